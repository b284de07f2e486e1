package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
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

type recordingSink struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
}

func (s *recordingSink) Emit(_ context.Context, e domain.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []domain.SecurityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SecurityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func failed(username, ip string) domain.LoginAttempt {
	return domain.LoginAttempt{
		Username:      ptr(username),
		IPAddress:     ip,
		FailureReason: ptr(domain.FailureInvalidPassword),
	}
}

func TestAccountLock_ExpiresWithWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		assert.False(t, l.IsAccountLocked("alice"), "locked after %d failures", i)
		l.RecordLoginAttempt(ctx, failed("alice", "1.2.3.4"))
		clock.Advance(10 * time.Second)
	}
	assert.True(t, l.IsAccountLocked("alice"))
	assert.True(t, l.IsAccountLocked("ALICE "), "usernames compare case-insensitively")
	assert.False(t, l.IsAccountLocked("bob"))
	assert.False(t, l.IsIPBlocked("1.2.3.4"))

	clock.Advance(15 * time.Minute)
	assert.False(t, l.IsAccountLocked("alice"), "lock lapses once the window passes")
	assert.Zero(t, l.FailedAttempts("alice", ""))
}

func TestFailedAttempts_MatchesUsernameOrIP(t *testing.T) {
	ctx := context.Background()
	l := New(WithClock(newFakeClock().Now))

	l.RecordLoginAttempt(ctx, failed("alice", "1.1.1.1"))
	l.RecordLoginAttempt(ctx, failed("bob", "2.2.2.2"))
	l.RecordLoginAttempt(ctx, failed("carol", "1.1.1.1"))
	l.RecordLoginAttempt(ctx, domain.LoginAttempt{Username: ptr("alice"), IPAddress: "1.1.1.1", Success: true})

	assert.Equal(t, 2, l.FailedAttempts("alice", "1.1.1.1"))
	assert.Equal(t, 3, l.FailedAttempts("bob", "1.1.1.1"))
	assert.Equal(t, 1, l.FailedAttempts("alice", ""))
	assert.Equal(t, 0, l.FailedAttempts("", ""))
}

func TestIPBlock_RequiresTwiceTheAccountThreshold(t *testing.T) {
	ctx := context.Background()
	for _, max := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			settings := domain.DefaultSecuritySettings()
			settings.MaxLoginAttempts = max
			l := New(WithClock(newFakeClock().Now), WithSettings(settings))

			for i := 0; i < 2*max-1; i++ {
				l.RecordLoginAttempt(ctx, failed(fmt.Sprintf("user%d", i), "10.0.0.1"))
			}
			assert.False(t, l.IsIPBlocked("10.0.0.1"))
			l.RecordLoginAttempt(ctx, failed("another", "10.0.0.1"))
			assert.True(t, l.IsIPBlocked("10.0.0.1"))
		})
	}
}

func TestIPBlock_FollowsSettingsChanges(t *testing.T) {
	ctx := context.Background()
	l := New(WithClock(newFakeClock().Now))
	for i := 0; i < 6; i++ {
		l.RecordLoginAttempt(ctx, failed(fmt.Sprintf("user%d", i), "10.0.0.2"))
	}
	assert.False(t, l.IsIPBlocked("10.0.0.2"), "6 < 2*5")

	_, err := l.UpdateSecuritySettings(ctx, domain.SecuritySettingsPatch{MaxLoginAttempts: ptr(3)})
	require.NoError(t, err)
	assert.True(t, l.IsIPBlocked("10.0.0.2"), "6 >= 2*3")

	_, err = l.UpdateSecuritySettings(ctx, domain.SecuritySettingsPatch{MaxLoginAttempts: ptr(4)})
	require.NoError(t, err)
	assert.False(t, l.IsIPBlocked("10.0.0.2"), "6 < 2*4")
}

func TestUpdateSecuritySettings_RejectsInvalidPatch(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	l := New(WithEventSink(sink))

	_, err := l.UpdateSecuritySettings(ctx, domain.SecuritySettingsPatch{PinLength: ptr(9)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSettings))
	assert.Equal(t, 4, l.Settings().PinLength)
	assert.Empty(t, sink.types())

	got, err := l.UpdateSecuritySettings(ctx, domain.SecuritySettingsPatch{
		PinLength:            ptr(6),
		RequirePinForActions: &[]string{domain.ActionReports},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, got.PinLength)
	assert.Equal(t, 5, got.MaxLoginAttempts, "unspecified fields are kept")
	assert.True(t, l.Settings().RequiresPin(domain.ActionReports))
	assert.False(t, l.Settings().RequiresPin(domain.ActionQueueManagement))
	assert.Equal(t, []domain.SecurityEventType{domain.EventSettingsUpdate}, sink.types())
}

func TestPin_RoundTripAndLock(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sink := &recordingSink{}
	settings := domain.DefaultSecuritySettings()
	settings.MaxLoginAttempts = 3
	l := New(WithClock(clock.Now), WithSettings(settings), WithEventSink(sink))

	ok, err := l.CreatePin(ctx, "u1", "loc1", "1234")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.VerifyPin(ctx, "u1", "loc1", "1234")
	require.NoError(t, err)
	assert.True(t, ok)
	rec, found := l.PinRecord("u1", "loc1")
	require.True(t, found)
	require.NotNil(t, rec.LastUsedAt)
	assert.Equal(t, clock.Now(), *rec.LastUsedAt)

	for i := 1; i <= 3; i++ {
		ok, err = l.VerifyPin(ctx, "u1", "loc1", "9999")
		require.NoError(t, err)
		assert.False(t, ok)
		rec, _ = l.PinRecord("u1", "loc1")
		assert.Equal(t, i, rec.FailedAttempts)
	}
	require.NotNil(t, rec.LockedUntil)
	assert.Equal(t, clock.Now().Add(15*time.Minute), *rec.LockedUntil)
	assert.Contains(t, sink.types(), domain.EventPinLocked)

	ok, err = l.VerifyPin(ctx, "u1", "loc1", "1234")
	require.NoError(t, err)
	assert.False(t, ok, "correct pin is rejected while locked")
	rec, _ = l.PinRecord("u1", "loc1")
	assert.Equal(t, 3, rec.FailedAttempts, "locked verification consumes no attempt")

	clock.Advance(15*time.Minute + time.Second)
	ok, err = l.VerifyPin(ctx, "u1", "loc1", "1234")
	require.NoError(t, err)
	assert.True(t, ok)
	rec, _ = l.PinRecord("u1", "loc1")
	assert.Zero(t, rec.FailedAttempts)
	assert.Nil(t, rec.LockedUntil)
}

func TestPin_SuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	l := New(WithClock(newFakeClock().Now))
	_, err := l.CreatePin(ctx, "u1", "loc1", "4321")
	require.NoError(t, err)

	ok, _ := l.VerifyPin(ctx, "u1", "loc1", "0000")
	assert.False(t, ok)
	ok, _ = l.VerifyPin(ctx, "u1", "loc1", "4321")
	assert.True(t, ok)
	rec, _ := l.PinRecord("u1", "loc1")
	assert.Zero(t, rec.FailedAttempts)
}

func TestCreatePin_ValidatesFormatAndReplaces(t *testing.T) {
	ctx := context.Background()
	l := New(WithClock(newFakeClock().Now))

	for _, bad := range []string{"123", "12345", "12a4", "", "１２３４"} {
		ok, err := l.CreatePin(ctx, "u1", "loc1", bad)
		require.NoError(t, err)
		assert.False(t, ok, "pin %q", bad)
	}
	assert.Zero(t, l.PinRecordCount())

	ok, _ := l.CreatePin(ctx, "u1", "loc1", "1111")
	require.True(t, ok)
	first, _ := l.PinRecord("u1", "loc1")
	ok, _ = l.CreatePin(ctx, "u1", "loc1", "2222")
	require.True(t, ok)
	ok, _ = l.CreatePin(ctx, "u1", "loc2", "3333")
	require.True(t, ok)

	assert.Equal(t, 2, l.PinRecordCount())
	second, _ := l.PinRecord("u1", "loc1")
	assert.NotEqual(t, first.ID, second.ID)

	ok, _ = l.VerifyPin(ctx, "u1", "loc1", "1111")
	assert.False(t, ok, "replaced pin no longer verifies")
	ok, _ = l.VerifyPin(ctx, "u1", "loc1", "2222")
	assert.True(t, ok)
	ok, _ = l.VerifyPin(ctx, "u1", "loc2", "2222")
	assert.False(t, ok, "pins are scoped per location")
}

func TestVerifyPin_MissingRecordFailsClosed(t *testing.T) {
	l := New()
	ok, err := l.VerifyPin(context.Background(), "nobody", "loc1", "1234")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetPin_ReturnsWorkingPin(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	l := New(WithClock(newFakeClock().Now), WithEventSink(sink))
	_, err := l.CreatePin(ctx, "u1", "loc1", "1234")
	require.NoError(t, err)

	pin, err := l.ResetPin(ctx, "u1", "loc1")
	require.NoError(t, err)
	assert.Len(t, pin, 4)
	ok, err := l.VerifyPin(ctx, "u1", "loc1", pin)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, l.PinRecordCount())
	assert.Contains(t, sink.types(), domain.EventPinReset)
}

func TestCleanup_RemovesOnlyExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	settings := domain.DefaultSecuritySettings()
	settings.MaxLoginAttempts = 1
	l := New(WithClock(clock.Now), WithSettings(settings))

	l.RecordLoginAttempt(ctx, failed("old", "1.1.1.1"))
	_, _ = l.CreatePin(ctx, "u1", "loc1", "1234")
	ok, _ := l.VerifyPin(ctx, "u1", "loc1", "0000")
	require.False(t, ok)
	rec, _ := l.PinRecord("u1", "loc1")
	require.NotNil(t, rec.LockedUntil)

	clock.Advance(10 * time.Minute)
	l.RecordLoginAttempt(ctx, failed("new", "2.2.2.2"))
	assert.Zero(t, l.CleanupExpiredLocks())

	clock.Advance(6 * time.Minute)
	// Background pruning may already have dropped the old attempt.
	assert.LessOrEqual(t, l.CleanupExpiredAttempts(), 1)
	attempts := l.LoginAttempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "new", *attempts[0].Username)

	assert.Equal(t, 1, l.CleanupExpiredLocks())
	rec, _ = l.PinRecord("u1", "loc1")
	assert.Nil(t, rec.LockedUntil)
	assert.Zero(t, rec.FailedAttempts)
}

func TestStateRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := New(WithClock(clock.Now))
	l.RecordLoginAttempt(ctx, failed("alice", "1.2.3.4"))
	_, _ = l.CreatePin(ctx, "u1", "loc1", "1234")
	_, err := l.UpdateSecuritySettings(ctx, domain.SecuritySettingsPatch{MaxLoginAttempts: ptr(1)})
	require.NoError(t, err)

	restored := New(WithClock(clock.Now))
	restored.Restore(l.State())

	assert.True(t, restored.IsAccountLocked("alice"))
	assert.Equal(t, 1, restored.Settings().MaxLoginAttempts)
	ok, err := restored.VerifyPin(ctx, "u1", "loc1", "1234")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockLogin_SerializesPerUsername(t *testing.T) {
	l := New()
	unlock := l.LockLogin("alice")

	acquired := make(chan struct{})
	go func() {
		release := l.LockLogin("ALICE")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second login for the same username was not serialized")
	case <-time.After(50 * time.Millisecond):
	}

	otherUnlock := l.LockLogin("bob")
	otherUnlock()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was never released")
	}
}

func TestValidatePassword(t *testing.T) {
	l := New()
	assert.NoError(t, l.ValidatePassword("s3cure!pass"))
	assert.ErrorIs(t, l.ValidatePassword("short!"), ErrWeakPassword)
	assert.ErrorIs(t, l.ValidatePassword("longenoughbutplain"), ErrWeakPassword)

	_, err := l.UpdateSecuritySettings(context.Background(), domain.SecuritySettingsPatch{RequireSpecialChars: ptr(false)})
	require.NoError(t, err)
	assert.NoError(t, l.ValidatePassword("longenoughbutplain"))
}
