package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

type failingStore struct{ err error }

func (f failingStore) Load(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Save(context.Context, string, []byte) error   { return f.err }
func (f failingStore) Delete(context.Context, string) error         { return f.err }

func TestAuthKey(t *testing.T) {
	assert.Equal(t, "auth-storage", AuthKey(""))
	assert.Equal(t, "auth-storage:abc", AuthKey("abc"))
}

func TestCheckpointer_AuthLifecycle(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	mem := store.NewMemorySnapshotStore()
	cp := NewCheckpointer(mem, func() time.Time { return now })

	_, found, err := cp.LoadAuth(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cp.SaveAuth(ctx, "client-a", authFixture()))

	st, found, err := cp.LoadAuth(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "u-1", st.User.ID)

	_, found, err = cp.LoadAuth(ctx, "client-b")
	require.NoError(t, err)
	assert.False(t, found, "client slots are independent")

	require.NoError(t, cp.SaveAuth(ctx, "client-a", AuthState{}))
	_, err = mem.Load(ctx, AuthKey("client-a"))
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound, "anonymous state clears the slot")
}

func TestCheckpointer_LoadAuthDeletesExpired(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	mem := store.NewMemorySnapshotStore()
	cp := NewCheckpointer(mem, func() time.Time { return now })

	require.NoError(t, cp.SaveAuth(ctx, "", authFixture()))
	now = now.Add(2 * time.Hour)

	_, found, err := cp.LoadAuth(ctx, "")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = mem.Load(ctx, NamespaceAuth)
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}

func TestCheckpointer_Security(t *testing.T) {
	ctx := context.Background()
	cp := NewCheckpointer(store.NewMemorySnapshotStore(), func() time.Time { return baseTime })

	_, found, err := cp.LoadSecurity(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	settings := domain.DefaultSecuritySettings()
	settings.PinLength = 6
	require.NoError(t, cp.SaveSecurity(ctx, SecurityState{Settings: settings}))

	st, found, err := cp.LoadSecurity(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 6, st.Settings.PinLength)
}

func TestCheckpointer_PropagatesStoreErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	cp := NewCheckpointer(failingStore{err: boom}, nil)

	_, _, err := cp.LoadAuth(ctx, "x")
	assert.ErrorIs(t, err, boom)
	_, _, err = cp.LoadSecurity(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, cp.SaveSecurity(ctx, SecurityState{Settings: domain.DefaultSecuritySettings()}), boom)
}
