package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/authcrypto"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/metrics"
)

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidPinFormat reports whether pin has the configured length and only digits.
func (l *Ledger) ValidPinFormat(pin string) bool {
	return len(pin) == l.Settings().PinLength && isDigits(pin)
}

// CreatePin stores pin for (userID, locationID), replacing any existing record for
// the pair. It returns false when the PIN has the wrong length or is not numeric.
func (l *Ledger) CreatePin(ctx context.Context, userID, locationID, pin string) (bool, error) {
	if userID == "" || locationID == "" || !l.ValidPinFormat(pin) {
		return false, nil
	}
	hash, salt, err := hashPinForStorage(ctx, pin)
	if err != nil {
		return false, fmt.Errorf("hash pin: %w", err)
	}

	key := pinKey{userID: userID, locationID: locationID}
	unlock := l.pinLocks.Lock(key.String())
	defer unlock()

	l.mu.Lock()
	l.pins[key] = &domain.PinRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		LocationID: locationID,
		PinHash:    hash,
		Salt:       salt,
		CreatedAt:  l.now(),
	}
	l.mu.Unlock()

	l.logger.Info("pin created", zap.String("user_id", userID), zap.String("location_id", locationID))
	return true, nil
}

// VerifyPin checks pin against the record for (userID, locationID). A missing or
// locked record fails without deriving a hash. A wrong PIN increments the failure
// counter and locks the record once it reaches MaxLoginAttempts.
//
// The error return is reserved for internal faults; callers must treat it as a
// failed verification.
func (l *Ledger) VerifyPin(ctx context.Context, userID, locationID, pin string) (bool, error) {
	key := pinKey{userID: userID, locationID: locationID}
	unlock := l.pinLocks.Lock(key.String())
	defer unlock()

	l.mu.Lock()
	rec, ok := l.pins[key]
	if !ok {
		l.mu.Unlock()
		metrics.PinVerifications.WithLabelValues("missing").Inc()
		return false, nil
	}
	now := l.now()
	if rec.Locked(now) {
		l.mu.Unlock()
		metrics.PinVerifications.WithLabelValues("locked").Inc()
		return false, nil
	}
	if rec.LockedUntil != nil {
		rec.LockedUntil = nil
		rec.FailedAttempts = 0
	}
	recordID, hash, salt := rec.ID, rec.PinHash, rec.Salt
	l.mu.Unlock()

	match, err := authcrypto.VerifyPin(ctx, pin, hash, salt)
	if err != nil {
		metrics.PinVerifications.WithLabelValues("error").Inc()
		return false, fmt.Errorf("verify pin: %w", err)
	}

	l.mu.Lock()
	current, ok := l.pins[key]
	if !ok || current.ID != recordID {
		// Replaced or reset while the hash was derived; the old PIN no longer applies.
		l.mu.Unlock()
		metrics.PinVerifications.WithLabelValues("stale").Inc()
		return false, nil
	}
	now = l.now()
	if match {
		current.FailedAttempts = 0
		current.LockedUntil = nil
		current.LastUsedAt = &now
		l.mu.Unlock()
		metrics.PinVerifications.WithLabelValues("success").Inc()
		return true, nil
	}

	current.FailedAttempts++
	settings := l.settings
	var lockedUntil time.Time
	if current.FailedAttempts >= settings.MaxLoginAttempts {
		lockedUntil = now.Add(settings.LockoutWindow())
		current.LockedUntil = &lockedUntil
	}
	failures := current.FailedAttempts
	l.mu.Unlock()

	metrics.PinVerifications.WithLabelValues("failure").Inc()
	if !lockedUntil.IsZero() {
		metrics.PinLocks.Inc()
		l.logger.Warn("pin locked",
			zap.String("user_id", userID),
			zap.String("location_id", locationID),
			zap.Int("failed_attempts", failures),
			zap.Time("locked_until", lockedUntil),
		)
		l.events.Emit(ctx, domain.SecurityEvent{
			ID:         uuid.NewString(),
			Type:       domain.EventPinLocked,
			UserID:     userID,
			LocationID: locationID,
			OccurredAt: now,
		})
	}
	return false, nil
}

// ResetPin replaces the PIN for (userID, locationID) with a fresh random one and
// returns it. This is the only place a plaintext PIN leaves the ledger.
func (l *Ledger) ResetPin(ctx context.Context, userID, locationID string) (string, error) {
	pin, err := authcrypto.GeneratePin(l.Settings().PinLength)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	ok, err := l.CreatePin(ctx, userID, locationID, pin)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("generated pin rejected for user %s", userID)
	}
	l.events.Emit(ctx, domain.SecurityEvent{
		ID:         uuid.NewString(),
		Type:       domain.EventPinReset,
		UserID:     userID,
		LocationID: locationID,
		OccurredAt: l.now(),
	})
	return pin, nil
}

// PinRecord returns a copy of the record for (userID, locationID).
func (l *Ledger) PinRecord(userID, locationID string) (domain.PinRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.pins[pinKey{userID: userID, locationID: locationID}]
	if !ok {
		return domain.PinRecord{}, false
	}
	return copyPinRecord(rec), true
}

// PinRecordCount returns how many PIN records are held.
func (l *Ledger) PinRecordCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pins)
}
