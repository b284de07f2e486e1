package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khainguyen105/waitlistdup-sub001/internal/authcrypto"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/ledger"
	"github.com/khainguyen105/waitlistdup-sub001/internal/session"
	"github.com/khainguyen105/waitlistdup-sub001/internal/snapshot"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistryDeps(t *testing.T) (RegistryDeps, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}

	salt, err := authcrypto.GenerateSalt()
	require.NoError(t, err)
	hash, err := authcrypto.HashPassword(context.Background(), "Secret!23", salt)
	require.NoError(t, err)

	users := store.NewMemoryUserDirectory()
	require.NoError(t, users.Add(domain.Credential{
		User: domain.User{
			ID:          "u-manager",
			Username:    "morgan",
			Role:        domain.RoleLocationManager,
			LocationIDs: []string{"loc-1"},
		},
		PasswordHash: hash,
		Salt:         salt,
	}))

	return RegistryDeps{
		Ledger:        ledger.New(ledger.WithClock(clock.Now)),
		Users:         users,
		Locations:     store.NewMemoryLocationDirectory(domain.Location{ID: "loc-1", Name: "Downtown"}),
		Checkpointer:  snapshot.NewCheckpointer(store.NewMemorySnapshotStore(), clock.Now),
		MaxPinStrikes: 3,
		Now:           clock.Now,
	}, clock
}

func loginMorgan(t *testing.T, r *ClientRegistry) *Client {
	t.Helper()
	res, c := r.Login(context.Background(), session.LoginRequest{
		Username:   "morgan",
		Password:   "Secret!23",
		LocationID: "loc-1",
		IPAddress:  "10.0.0.7",
	})
	require.NoError(t, res.Error)
	require.NotNil(t, c)
	return c
}

func TestClientRegistry_LoginRegistersClient(t *testing.T) {
	deps, _ := newRegistryDeps(t)
	r := NewClientRegistry(deps)

	c := loginMorgan(t, r)
	assert.Equal(t, 1, r.Len())

	got, err := r.Lookup(context.Background(), c.Manager.Token())
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestClientRegistry_FailedLoginRegistersNothing(t *testing.T) {
	deps, _ := newRegistryDeps(t)
	r := NewClientRegistry(deps)

	res, c := r.Login(context.Background(), session.LoginRequest{Username: "morgan", Password: "wrong", IPAddress: "10.0.0.7"})
	assert.False(t, res.Success)
	assert.Nil(t, c)
	assert.Zero(t, r.Len())
}

func TestClientRegistry_LookupRejectsMalformedToken(t *testing.T) {
	deps, _ := newRegistryDeps(t)
	r := NewClientRegistry(deps)

	_, err := r.Lookup(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, domain.ErrMalformedToken)
}

func TestClientRegistry_RestoresFromCheckpoint(t *testing.T) {
	deps, _ := newRegistryDeps(t)
	first := NewClientRegistry(deps)
	c := loginMorgan(t, first)
	token := c.Manager.Token()

	second := NewClientRegistry(deps)
	restored, err := second.Lookup(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, restored.Manager.User())
	assert.Equal(t, "u-manager", restored.Manager.User().ID)
	assert.Equal(t, 1, second.Len())
}

func TestClientRegistry_DropsExpiredSession(t *testing.T) {
	deps, clock := newRegistryDeps(t)
	r := NewClientRegistry(deps)
	token := loginMorgan(t, r).Manager.Token()

	clock.Advance(481 * time.Minute)

	_, err := r.Lookup(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	assert.Zero(t, r.Len())

	_, err = NewClientRegistry(deps).Lookup(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownSession, "expired checkpoint is not trusted")
}

func TestClientRegistry_LogoutForgetsClientAndCheckpoint(t *testing.T) {
	deps, _ := newRegistryDeps(t)
	r := NewClientRegistry(deps)
	token := loginMorgan(t, r).Manager.Token()

	r.Logout(context.Background(), token)
	assert.Zero(t, r.Len())

	_, err := r.Lookup(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestClientRegistry_RefreshAll(t *testing.T) {
	deps, clock := newRegistryDeps(t)
	r := NewClientRegistry(deps)
	c := loginMorgan(t, r)
	originalExpiry := c.Manager.Session().ExpiresAt

	clock.Advance(460 * time.Minute)
	active, expired := r.RefreshAll(context.Background())
	assert.Equal(t, 1, active)
	assert.Zero(t, expired)
	assert.True(t, c.Manager.Session().ExpiresAt.After(originalExpiry), "near-expiry session is extended")

	clock.Advance(481 * time.Minute)
	active, expired = r.RefreshAll(context.Background())
	assert.Zero(t, active)
	assert.Equal(t, 1, expired)
	assert.Zero(t, r.Len())
}
