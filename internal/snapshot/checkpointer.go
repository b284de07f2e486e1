package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

// Checkpointer reads and writes auth and security state through a SnapshotStore.
type Checkpointer struct {
	store store.SnapshotStore
	now   func() time.Time
}

// NewCheckpointer creates a Checkpointer. A nil clock uses time.Now.
func NewCheckpointer(s store.SnapshotStore, now func() time.Time) *Checkpointer {
	if now == nil {
		now = time.Now
	}
	return &Checkpointer{store: s, now: now}
}

// AuthKey returns the storage key of a client instance. An empty clientID maps to
// the bare namespace.
func AuthKey(clientID string) string {
	if clientID == "" {
		return NamespaceAuth
	}
	return NamespaceAuth + ":" + clientID
}

// SaveAuth writes the identity slot of clientID. Anonymous state deletes the key.
func (c *Checkpointer) SaveAuth(ctx context.Context, clientID string, st AuthState) error {
	if !st.Authenticated() {
		return c.ClearAuth(ctx, clientID)
	}
	data, err := EncodeAuth(st)
	if err != nil {
		return fmt.Errorf("encode auth state: %w", err)
	}
	return c.store.Save(ctx, AuthKey(clientID), data)
}

// LoadAuth restores the identity slot of clientID. found is false when nothing
// usable was stored; an expired session is deleted from storage.
func (c *Checkpointer) LoadAuth(ctx context.Context, clientID string) (st AuthState, found bool, err error) {
	data, err := c.store.Load(ctx, AuthKey(clientID))
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return AuthState{}, false, nil
		}
		return AuthState{}, false, err
	}
	st, err = DecodeAuth(data, c.now())
	if err != nil {
		return AuthState{}, false, err
	}
	if !st.Authenticated() {
		if delErr := c.store.Delete(ctx, AuthKey(clientID)); delErr != nil {
			return AuthState{}, false, delErr
		}
		return AuthState{}, false, nil
	}
	return st, true, nil
}

// ClearAuth removes the identity slot of clientID.
func (c *Checkpointer) ClearAuth(ctx context.Context, clientID string) error {
	return c.store.Delete(ctx, AuthKey(clientID))
}

// SaveSecurity writes the ledger state.
func (c *Checkpointer) SaveSecurity(ctx context.Context, st SecurityState) error {
	data, err := EncodeSecurity(st)
	if err != nil {
		return fmt.Errorf("encode security state: %w", err)
	}
	return c.store.Save(ctx, NamespaceSecurity, data)
}

// LoadSecurity restores the ledger state. found is false when nothing was stored.
func (c *Checkpointer) LoadSecurity(ctx context.Context) (st SecurityState, found bool, err error) {
	data, err := c.store.Load(ctx, NamespaceSecurity)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			return SecurityState{}, false, nil
		}
		return SecurityState{}, false, err
	}
	st, err = DecodeSecurity(data, c.now())
	if err != nil {
		return SecurityState{}, false, err
	}
	return st, true, nil
}
