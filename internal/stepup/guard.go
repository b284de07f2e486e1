/**
 * @description
 * The step-up guard wraps a privileged action with a permission check and, when
 * the action is PIN gated, an interactive PIN challenge. At most one action can
 * wait on a challenge; a second request is rejected with ErrBusy instead of
 * replacing the first.
 *
 * Two strike counters exist. The ledger locks a PIN after MaxLoginAttempts
 * failures; the guard aborts a challenge after MaxPinStrikes failures, and that
 * limit is clamped so it never exceeds the ledger's.
 */
package stepup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/metrics"
	"github.com/khainguyen105/waitlistdup-sub001/internal/session"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

// DefaultMaxPinStrikes is the UI-level strike limit when none is configured.
const DefaultMaxPinStrikes = 3

var (
	// ErrBusy is returned while another action is waiting on a PIN challenge.
	ErrBusy = errors.New("another secure action is awaiting PIN verification")
	// ErrNoPendingAction is returned when a challenge is resolved with nothing pending.
	ErrNoPendingAction = errors.New("no secure action is awaiting PIN verification")
)

const (
	msgPermissionDenied = "You do not have permission to perform this action"
	msgCancelled        = "Action cancelled: PIN verification required"
	msgTooManyStrikes   = "Too many incorrect PIN attempts. The action was cancelled."
)

// Status is the state a secure action request ended in.
type Status string

const (
	StatusExecuted          Status = "executed"
	StatusFailed            Status = "failed"
	StatusChallengeRequired Status = "challenge_required"
	StatusDenied            Status = "denied"
	StatusBusy              Status = "busy"
	StatusCancelled         Status = "cancelled"
	StatusAborted           Status = "aborted"
)

// Action is the caller-supplied work guarded by the PIN check.
type Action func(ctx context.Context) error

// Outcome reports what happened to a secure action request. Err carries the
// action's own error for StatusFailed and a *domain.AuthError otherwise.
type Outcome struct {
	Status    Status
	Err       error
	Challenge *Challenge
}

// Challenge describes the PIN prompt shown for a pending action.
type Challenge struct {
	Action           string
	LocationID       string
	LocationName     string
	Prompt           string
	StrikesRemaining int
}

// Identity is the part of the session manager the guard relies on.
type Identity interface {
	RolePermits(action string) bool
	NeedsPinChallenge(action string) bool
	VerifyPin(ctx context.Context, pin, locationID string) session.Result
	Session() *domain.Session
	Settings() domain.SecuritySettings
}

type pending struct {
	name      string
	action    Action
	challenge Challenge
	strikes   int
	limit     int
}

// ExecOption adjusts a single ExecuteSecureAction call.
type ExecOption func(*execOptions)

type execOptions struct {
	requirePin bool
}

// RequirePin forces a challenge even when the action is not in the PIN-gated set.
func RequirePin() ExecOption {
	return func(o *execOptions) { o.requirePin = true }
}

// Guard is the step-up action guard for one client instance.
type Guard struct {
	mu         sync.Mutex
	identity   Identity
	locations  store.LocationDirectory
	maxStrikes int
	logger     *zap.Logger
	pending    *pending
}

// NewGuard creates a guard. maxStrikes <= 0 selects DefaultMaxPinStrikes.
func NewGuard(identity Identity, locations store.LocationDirectory, maxStrikes int, logger *zap.Logger) *Guard {
	if maxStrikes <= 0 {
		maxStrikes = DefaultMaxPinStrikes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{identity: identity, locations: locations, maxStrikes: maxStrikes, logger: logger}
}

// strikeLimit clamps the configured strike limit to the ledger's lock threshold.
func (g *Guard) strikeLimit() int {
	limit := g.maxStrikes
	if max := g.identity.Settings().MaxLoginAttempts; limit > max {
		limit = max
	}
	return limit
}

func outcome(status Status, err error) Outcome {
	metrics.SecureActions.WithLabelValues(string(status)).Inc()
	return Outcome{Status: status, Err: err}
}

// ExecuteSecureAction runs action if the caller may perform name. When a PIN is
// still owed, the action is parked and a challenge is returned instead; it runs
// only after SubmitPin succeeds.
func (g *Guard) ExecuteSecureAction(ctx context.Context, name string, action Action, opts ...ExecOption) Outcome {
	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !g.identity.RolePermits(name) {
		return outcome(StatusDenied, domain.NewAuthError(domain.KindPolicyDenied, msgPermissionDenied, nil))
	}

	if !o.requirePin && !g.identity.NeedsPinChallenge(name) {
		return g.run(ctx, name, action)
	}

	limit := g.strikeLimit()
	challenge := g.buildChallenge(ctx, name, limit)

	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return outcome(StatusBusy, ErrBusy)
	}
	g.pending = &pending{name: name, action: action, challenge: challenge, limit: limit}
	g.mu.Unlock()

	g.logger.Info("pin challenge issued", zap.String("action", name))
	res := outcome(StatusChallengeRequired, nil)
	res.Challenge = &challenge
	return res
}

func (g *Guard) buildChallenge(ctx context.Context, name string, limit int) Challenge {
	c := Challenge{Action: name, StrikesRemaining: limit}
	if sess := g.identity.Session(); sess != nil && sess.LocationID != nil {
		c.LocationID = *sess.LocationID
		c.LocationName = c.LocationID
		if g.locations != nil {
			loc, err := g.locations.FindLocationByID(ctx, c.LocationID)
			switch {
			case err == nil:
				c.LocationName = loc.Name
			case !errors.Is(err, store.ErrLocationNotFound):
				g.logger.Warn("failed to load location for pin challenge", zap.String("location_id", c.LocationID), zap.Error(err))
			}
		}
	}
	if c.LocationName != "" {
		c.Prompt = fmt.Sprintf("Enter your PIN for %s to continue", c.LocationName)
	} else {
		c.Prompt = "Enter your PIN to continue"
	}
	return c
}

func (g *Guard) run(ctx context.Context, name string, action Action) Outcome {
	if err := action(ctx); err != nil {
		g.logger.Warn("secure action failed", zap.String("action", name), zap.Error(err))
		return outcome(StatusFailed, err)
	}
	return outcome(StatusExecuted, nil)
}

// Challenge returns the pending challenge, if any.
func (g *Guard) Challenge() (Challenge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Challenge{}, false
	}
	return g.pending.challenge, true
}

// ChallengeVisible reports whether a PIN prompt should be shown.
func (g *Guard) ChallengeVisible() bool {
	_, ok := g.Challenge()
	return ok
}

// SubmitPin resolves the pending challenge with pin checked at locationID. An
// empty locationID falls back to the challenge's location and then to the
// session's. On success the parked action runs and its own error, if any, is
// reported. A wrong PIN keeps the challenge open until the strike limit is
// reached, which aborts the action.
func (g *Guard) SubmitPin(ctx context.Context, pin, locationID string) Outcome {
	g.mu.Lock()
	p := g.pending
	g.mu.Unlock()
	if p == nil {
		return outcome(StatusFailed, ErrNoPendingAction)
	}

	if locationID == "" {
		locationID = p.challenge.LocationID
	}
	res := g.identity.VerifyPin(ctx, pin, locationID)

	g.mu.Lock()
	if g.pending != p {
		// Cancelled while the PIN was being checked.
		g.mu.Unlock()
		return outcome(StatusCancelled, domain.NewAuthError(domain.KindPolicyDenied, msgCancelled, nil))
	}
	if !res.Success {
		p.strikes++
		p.challenge.StrikesRemaining = p.limit - p.strikes
		if p.strikes >= p.limit || errors.Is(res.Error, domain.ErrThrottledLockout) {
			g.pending = nil
			g.mu.Unlock()
			g.logger.Warn("pin challenge aborted", zap.String("action", p.name), zap.Int("strikes", p.strikes))
			err := res.Error
			if !errors.Is(err, domain.ErrThrottledLockout) {
				err = domain.NewAuthError(domain.KindThrottledLockout, msgTooManyStrikes, res.Error)
			}
			return outcome(StatusAborted, err)
		}
		challenge := p.challenge
		g.mu.Unlock()
		out := outcome(StatusChallengeRequired, res.Error)
		out.Challenge = &challenge
		return out
	}
	g.pending = nil
	g.mu.Unlock()

	// The session may have ended while the challenge was open.
	if !g.identity.RolePermits(p.name) {
		return outcome(StatusDenied, domain.NewAuthError(domain.KindPolicyDenied, msgPermissionDenied, nil))
	}
	return g.run(ctx, p.name, p.action)
}

// Cancel drops the pending action without running it.
func (g *Guard) Cancel() Outcome {
	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()
	if p == nil {
		return outcome(StatusFailed, ErrNoPendingAction)
	}
	g.logger.Info("pin challenge cancelled", zap.String("action", p.name))
	return outcome(StatusCancelled, domain.NewAuthError(domain.KindPolicyDenied, msgCancelled, nil))
}
