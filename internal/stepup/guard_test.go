package stepup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khainguyen105/waitlistdup-sub001/internal/authcrypto"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/ledger"
	"github.com/khainguyen105/waitlistdup-sub001/internal/session"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

const testPin = "4826"

func newStaffGuard(t *testing.T, settings domain.SecuritySettings, maxStrikes int) (*Guard, *session.Manager, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	salt, err := authcrypto.GenerateSalt()
	require.NoError(t, err)
	hash, err := authcrypto.HashPassword(ctx, "Secret!23", salt)
	require.NoError(t, err)

	users := store.NewMemoryUserDirectory()
	require.NoError(t, users.Add(domain.Credential{
		User: domain.User{
			ID:          "u-staff",
			Username:    "sam",
			Role:        domain.RoleStaff,
			LocationIDs: []string{"loc-1"},
			PinRequired: true,
		},
		PasswordHash: hash,
		Salt:         salt,
	}))
	locations := store.NewMemoryLocationDirectory(domain.Location{ID: "loc-1", Name: "Downtown"})

	l := ledger.New(ledger.WithSettings(settings))
	m := session.NewManager(l, users)
	res := m.Login(ctx, session.LoginRequest{Username: "sam", Password: "Secret!23", LocationID: "loc-1", IPAddress: "10.0.0.1"})
	require.NoError(t, res.Error)
	require.True(t, m.SetupPin(ctx, testPin, "loc-1").Success)

	return NewGuard(m, locations, maxStrikes, nil), m, l
}

type counter struct{ calls int }

func (c *counter) action(err error) Action {
	return func(context.Context) error {
		c.calls++
		return err
	}
}

func TestExecuteSecureAction_DeniedWithoutRole(t *testing.T) {
	g, _, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var c counter

	out := g.ExecuteSecureAction(context.Background(), domain.ActionStaffManagement, c.action(nil))
	assert.Equal(t, StatusDenied, out.Status)
	assert.True(t, errors.Is(out.Err, domain.ErrPolicyDenied))
	assert.False(t, domain.KindOf(out.Err).Retryable())
	assert.Nil(t, out.Challenge)
	assert.False(t, g.ChallengeVisible())
	assert.Zero(t, c.calls)
}

func TestExecuteSecureAction_RunsUngatedActionImmediately(t *testing.T) {
	g, _, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var c counter

	out := g.ExecuteSecureAction(context.Background(), domain.ActionCustomerService, c.action(nil))
	assert.Equal(t, StatusExecuted, out.Status)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, c.calls)

	failing := g.ExecuteSecureAction(context.Background(), domain.ActionCustomerService, c.action(errors.New("queue closed")))
	assert.Equal(t, StatusFailed, failing.Status)
	assert.EqualError(t, failing.Err, "queue closed")
}

func TestExecuteSecureAction_ChallengeThenRun(t *testing.T) {
	ctx := context.Background()
	g, m, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var c counter

	out := g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, c.action(nil))
	require.Equal(t, StatusChallengeRequired, out.Status)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, "Downtown", out.Challenge.LocationName)
	assert.Contains(t, out.Challenge.Prompt, "Downtown")
	assert.Equal(t, DefaultMaxPinStrikes, out.Challenge.StrikesRemaining)
	assert.True(t, g.ChallengeVisible())
	assert.Zero(t, c.calls)

	done := g.SubmitPin(ctx, testPin, "")
	assert.Equal(t, StatusExecuted, done.Status)
	assert.NoError(t, done.Err)
	assert.Equal(t, 1, c.calls)
	assert.False(t, g.ChallengeVisible())
	assert.True(t, m.HasPermission(domain.ActionQueueManagement))

	again := g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, c.action(nil))
	assert.Equal(t, StatusExecuted, again.Status, "verified session is not challenged again")
	assert.Equal(t, 2, c.calls)
}

func TestExecuteSecureAction_SurfacesActionErrorAfterChallenge(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var c counter
	actionErr := errors.New("queue closed")

	require.Equal(t, StatusChallengeRequired, g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, c.action(actionErr)).Status)
	out := g.SubmitPin(ctx, testPin, "")
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, actionErr)
}

func TestExecuteSecureAction_RejectsSecondWhilePending(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var first, second counter

	require.Equal(t, StatusChallengeRequired, g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, first.action(nil)).Status)
	busy := g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, second.action(nil))
	assert.Equal(t, StatusBusy, busy.Status)
	assert.ErrorIs(t, busy.Err, ErrBusy)

	out := g.SubmitPin(ctx, testPin, "")
	assert.Equal(t, StatusExecuted, out.Status)
	assert.Equal(t, 1, first.calls, "the first action is kept")
	assert.Zero(t, second.calls)
}

func TestCancel_DropsPendingAction(t *testing.T) {
	ctx := context.Background()
	g, m, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var c counter

	require.Equal(t, StatusChallengeRequired, g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, c.action(nil)).Status)
	out := g.Cancel()
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, msgCancelled, out.Err.Error())
	assert.False(t, g.ChallengeVisible())
	assert.Zero(t, c.calls)
	assert.False(t, m.HasPermission(domain.ActionQueueManagement))

	assert.ErrorIs(t, g.Cancel().Err, ErrNoPendingAction)
	assert.ErrorIs(t, g.SubmitPin(ctx, testPin, "").Err, ErrNoPendingAction)
}

func TestSubmitPin_AbortsAfterStrikeLimit(t *testing.T) {
	ctx := context.Background()
	g, _, l := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var c counter

	require.Equal(t, StatusChallengeRequired, g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, c.action(nil)).Status)

	for remaining := 2; remaining >= 1; remaining-- {
		out := g.SubmitPin(ctx, "0000", "")
		require.Equal(t, StatusChallengeRequired, out.Status)
		assert.True(t, errors.Is(out.Err, domain.ErrInvalidCredential))
		require.NotNil(t, out.Challenge)
		assert.Equal(t, remaining, out.Challenge.StrikesRemaining)
	}

	out := g.SubmitPin(ctx, "0000", "")
	assert.Equal(t, StatusAborted, out.Status)
	assert.True(t, errors.Is(out.Err, domain.ErrThrottledLockout))
	assert.False(t, g.ChallengeVisible())
	assert.Zero(t, c.calls)

	rec, ok := l.PinRecord("u-staff", "loc-1")
	require.True(t, ok)
	assert.Equal(t, 3, rec.FailedAttempts)
	assert.Nil(t, rec.LockedUntil, "the UI tier aborts before the ledger locks")
}

func TestStrikeLimit_ClampedToLedgerThreshold(t *testing.T) {
	ctx := context.Background()
	settings := domain.DefaultSecuritySettings()
	settings.MaxLoginAttempts = 2
	g, _, l := newStaffGuard(t, settings, 5)
	var c counter

	out := g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, c.action(nil))
	require.NotNil(t, out.Challenge)
	assert.Equal(t, 2, out.Challenge.StrikesRemaining)

	g.SubmitPin(ctx, "0000", "")
	out = g.SubmitPin(ctx, "0000", "")
	assert.Equal(t, StatusAborted, out.Status)

	rec, _ := l.PinRecord("u-staff", "loc-1")
	assert.NotNil(t, rec.LockedUntil)
}

func TestRequirePin_ForcesChallenge(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	var c counter

	out := g.ExecuteSecureAction(ctx, domain.ActionCustomerService, c.action(nil), RequirePin())
	assert.Equal(t, StatusChallengeRequired, out.Status)
	assert.Zero(t, c.calls)

	assert.Equal(t, StatusExecuted, g.SubmitPin(ctx, testPin, "").Status)
	assert.Equal(t, 1, c.calls)
}

func TestSubmitPin_UsesCallerLocationForUnboundSession(t *testing.T) {
	ctx := context.Background()
	g, m, _ := newStaffGuard(t, domain.DefaultSecuritySettings(), 0)
	res := m.Login(ctx, session.LoginRequest{Username: "sam", Password: "Secret!23", IPAddress: "10.0.0.1"})
	require.True(t, res.Success)
	var c counter

	out := g.ExecuteSecureAction(ctx, domain.ActionQueueManagement, c.action(nil))
	require.Equal(t, StatusChallengeRequired, out.Status)
	require.NotNil(t, out.Challenge)
	assert.Empty(t, out.Challenge.LocationID)

	done := g.SubmitPin(ctx, testPin, "loc-1")
	assert.Equal(t, StatusExecuted, done.Status)
	assert.NoError(t, done.Err)
	assert.Equal(t, 1, c.calls)
}
