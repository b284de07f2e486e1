/**
 * @description
 * The security ledger is the source of truth for whether an identity or IP may
 * attempt authentication and whether a PIN may be tried. Lock state is never
 * cached: every check scans current data against the clock, so locks lapse on
 * their own when the window passes.
 *
 * @notes
 * - The working set is small and scanned linearly. A high-volume deployment should
 *   index attempts by username and IP in time order instead.
 */
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/authcrypto"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/metrics"
	"github.com/khainguyen105/waitlistdup-sub001/internal/snapshot"
)

// ErrInvalidSettings is returned when a settings update would leave the policy out of bounds.
var ErrInvalidSettings = errors.New("invalid security settings")

type pinKey struct {
	userID     string
	locationID string
}

func (k pinKey) String() string { return k.userID + "|" + k.locationID }

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithSettings sets the initial policy.
func WithSettings(s domain.SecuritySettings) Option {
	return func(l *Ledger) { l.settings = s.Clone() }
}

// WithEventSink sets where security events are emitted.
func WithEventSink(sink domain.SecurityEventSink) Option {
	return func(l *Ledger) { l.events = sink }
}

// Ledger tracks login attempts, PIN records and the shared security policy.
type Ledger struct {
	mu       sync.RWMutex
	settings domain.SecuritySettings
	attempts []domain.LoginAttempt
	pins     map[pinKey]*domain.PinRecord

	now    func() time.Time
	logger *zap.Logger
	events domain.SecurityEventSink

	pinLocks   *keyedMutex
	loginLocks *keyedMutex
	pruning    atomic.Bool
}

// New creates a ledger with default settings unless overridden.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		settings:   domain.DefaultSecuritySettings(),
		pins:       make(map[pinKey]*domain.PinRecord),
		now:        time.Now,
		logger:     zap.NewNop(),
		events:     domain.NopEventSink{},
		pinLocks:   newKeyedMutex(),
		loginLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger's clock reading.
func (l *Ledger) Now() time.Time { return l.now() }

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Settings returns a copy of the current policy.
func (l *Ledger) Settings() domain.SecuritySettings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings.Clone()
}

// UpdateSecuritySettings shallow-merges patch into the shared policy. The change
// applies to every subsequent check; there is no versioning.
func (l *Ledger) UpdateSecuritySettings(ctx context.Context, patch domain.SecuritySettingsPatch) (domain.SecuritySettings, error) {
	l.mu.Lock()
	next := l.settings.Apply(patch)
	if err := next.Validate(); err != nil {
		l.mu.Unlock()
		return domain.SecuritySettings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	l.settings = next
	l.mu.Unlock()

	l.logger.Info("security settings updated",
		zap.Int("max_login_attempts", next.MaxLoginAttempts),
		zap.Int("lockout_duration", next.LockoutDuration),
		zap.Int("session_timeout", next.SessionTimeout),
		zap.Int("pin_length", next.PinLength),
	)
	l.events.Emit(ctx, domain.SecurityEvent{
		ID:         uuid.NewString(),
		Type:       domain.EventSettingsUpdate,
		OccurredAt: l.now(),
	})
	return next.Clone(), nil
}

// LockLogin serializes login processing for a username across client instances,
// so a check-then-record sequence cannot interleave with another login.
func (l *Ledger) LockLogin(username string) func() {
	return l.loginLocks.Lock(normalizeUsername(username))
}

// RecordLoginAttempt appends an attempt with a fresh id and timestamp and
// schedules pruning of expired attempts without waiting for it.
func (l *Ledger) RecordLoginAttempt(ctx context.Context, attempt domain.LoginAttempt) domain.LoginAttempt {
	attempt.ID = uuid.NewString()
	attempt.Timestamp = l.now()
	if attempt.Username != nil {
		u := normalizeUsername(*attempt.Username)
		attempt.Username = &u
	}

	l.mu.Lock()
	l.attempts = append(l.attempts, attempt)
	l.mu.Unlock()

	outcome := "success"
	if !attempt.Success {
		outcome = "failure"
		if attempt.FailureReason != nil {
			outcome = strings.ToLower(string(*attempt.FailureReason))
		}
	}
	metrics.LoginAttempts.WithLabelValues(outcome).Inc()

	if l.pruning.CompareAndSwap(false, true) {
		go func() {
			defer l.pruning.Store(false)
			l.CleanupExpiredAttempts()
		}()
	}
	return attempt
}

// countFailures counts failed attempts inside the lockout window that satisfy match.
func (l *Ledger) countFailures(match func(a *domain.LoginAttempt) bool) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cutoff := l.now().Add(-l.settings.LockoutWindow())
	count := 0
	for i := range l.attempts {
		a := &l.attempts[i]
		if a.Success || !a.Timestamp.After(cutoff) {
			continue
		}
		if a.FailureReason != nil && !a.FailureReason.CountsTowardLockout() {
			continue
		}
		if match(a) {
			count++
		}
	}
	return count
}

// FailedAttempts counts failures in the window whose username OR IP matches.
func (l *Ledger) FailedAttempts(username, ipAddress string) int {
	name := normalizeUsername(username)
	return l.countFailures(func(a *domain.LoginAttempt) bool {
		if name != "" && a.Username != nil && *a.Username == name {
			return true
		}
		return ipAddress != "" && a.IPAddress == ipAddress
	})
}

func (l *Ledger) failuresByUsername(username string) int {
	name := normalizeUsername(username)
	if name == "" {
		return 0
	}
	return l.countFailures(func(a *domain.LoginAttempt) bool {
		return a.Username != nil && *a.Username == name
	})
}

func (l *Ledger) failuresByIP(ipAddress string) int {
	if ipAddress == "" {
		return 0
	}
	return l.countFailures(func(a *domain.LoginAttempt) bool {
		return a.IPAddress == ipAddress
	})
}

// IsAccountLocked reports whether username has reached MaxLoginAttempts failures in the window.
func (l *Ledger) IsAccountLocked(username string) bool {
	max := l.Settings().MaxLoginAttempts
	return l.failuresByUsername(username) >= max
}

// IsIPBlocked reports whether ipAddress has reached twice MaxLoginAttempts
// failures in the window. Shared IPs legitimately see more distinct failures.
func (l *Ledger) IsIPBlocked(ipAddress string) bool {
	max := l.Settings().MaxLoginAttempts
	return l.failuresByIP(ipAddress) >= 2*max
}

// CleanupExpiredAttempts drops attempts older than the lockout window and
// returns how many were removed.
func (l *Ledger) CleanupExpiredAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.settings.LockoutWindow())
	kept := l.attempts[:0]
	for _, a := range l.attempts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	removed := len(l.attempts) - len(kept)
	for i := len(kept); i < len(l.attempts); i++ {
		l.attempts[i] = domain.LoginAttempt{}
	}
	l.attempts = kept
	return removed
}

// CleanupExpiredLocks unlocks PIN records whose lock has passed and resets their
// failure counters. It returns how many records were unlocked.
func (l *Ledger) CleanupExpiredLocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cleared := 0
	for _, rec := range l.pins {
		if rec.LockedUntil != nil && !rec.LockedUntil.After(now) {
			rec.LockedUntil = nil
			rec.FailedAttempts = 0
			cleared++
		}
	}
	return cleared
}

// LoginAttempts returns a copy of the attempt history, oldest first.
func (l *Ledger) LoginAttempts() []domain.LoginAttempt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.LoginAttempt(nil), l.attempts...)
}

// State captures the ledger for checkpointing.
func (l *Ledger) State() snapshot.SecurityState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := snapshot.SecurityState{
		Settings:      l.settings.Clone(),
		LoginAttempts: append([]domain.LoginAttempt(nil), l.attempts...),
		PinRecords:    make([]domain.PinRecord, 0, len(l.pins)),
	}
	for _, rec := range l.pins {
		st.PinRecords = append(st.PinRecords, copyPinRecord(rec))
	}
	return st
}

// Restore replaces the ledger contents with a decoded checkpoint.
func (l *Ledger) Restore(st snapshot.SecurityState) {
	pins := make(map[pinKey]*domain.PinRecord, len(st.PinRecords))
	for _, rec := range st.PinRecords {
		r := copyPinRecord(&rec)
		pins[pinKey{userID: r.UserID, locationID: r.LocationID}] = &r
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings = st.Settings.Clone()
	l.attempts = append([]domain.LoginAttempt(nil), st.LoginAttempts...)
	l.pins = pins
}

func copyPinRecord(rec *domain.PinRecord) domain.PinRecord {
	c := *rec
	if rec.LastUsedAt != nil {
		t := *rec.LastUsedAt
		c.LastUsedAt = &t
	}
	if rec.LockedUntil != nil {
		t := *rec.LockedUntil
		c.LockedUntil = &t
	}
	return c
}

// hashPinForStorage exists so CreatePin and ResetPin share salt generation.
func hashPinForStorage(ctx context.Context, pin string) (hash, salt string, err error) {
	salt, err = authcrypto.GenerateSalt()
	if err != nil {
		return "", "", err
	}
	hash, err = authcrypto.HashPin(ctx, pin, salt)
	if err != nil {
		return "", "", err
	}
	return hash, salt, nil
}
