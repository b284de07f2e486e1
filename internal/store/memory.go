package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

// MemoryUserDirectory is an in-process UserDirectory used by tests and local runs.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]domain.Credential
}

// NewMemoryUserDirectory creates an empty directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{users: make(map[string]domain.Credential)}
}

// Add stores a credential keyed by its lowercased username.
func (d *MemoryUserDirectory) Add(cred domain.Credential) error {
	key := strings.ToLower(strings.TrimSpace(cred.User.Username))
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.users[key]; exists {
		return ErrDuplicateUsername
	}
	d.users[key] = cred
	return nil
}

// CreateCredential is Add for callers that hold a CredentialWriter.
func (d *MemoryUserDirectory) CreateCredential(_ context.Context, cred domain.Credential) error {
	return d.Add(cred)
}

func (d *MemoryUserDirectory) FindCredentialByUsername(ctx context.Context, username string) (*domain.Credential, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cred, ok := d.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, ErrUserNotFound
	}
	cred.User = *cred.User.Clone()
	return &cred, nil
}

func (d *MemoryUserDirectory) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cred := range d.users {
		if cred.User.ID == userID {
			t := at
			cred.User.LastLoginAt = &t
			d.users[key] = cred
			return nil
		}
	}
	return ErrUserNotFound
}

// MemoryLocationDirectory is an in-process LocationDirectory.
type MemoryLocationDirectory struct {
	mu        sync.RWMutex
	locations map[string]domain.Location
}

// NewMemoryLocationDirectory creates a directory seeded with locations.
func NewMemoryLocationDirectory(locations ...domain.Location) *MemoryLocationDirectory {
	d := &MemoryLocationDirectory{locations: make(map[string]domain.Location)}
	for _, l := range locations {
		d.locations[l.ID] = l
	}
	return d
}

func (d *MemoryLocationDirectory) FindLocationByID(ctx context.Context, locationID string) (*domain.Location, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.locations[locationID]
	if !ok {
		return nil, ErrLocationNotFound
	}
	return &l, nil
}

// MemorySnapshotStore keeps snapshots in a map.
type MemorySnapshotStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySnapshotStore creates an empty snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{data: make(map[string][]byte)}
}

func (s *MemorySnapshotStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[key]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemorySnapshotStore) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemorySnapshotStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
