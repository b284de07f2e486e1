/**
 * @description
 * Serialization boundary for checkpointed auth and security state. Decoding always
 * produces canonical domain types and re-validates them: expired sessions are
 * dropped, PIN records are de-duplicated per (user, location), expired PIN locks
 * are cleared and out-of-range settings fall back to defaults.
 */
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

const (
	NamespaceAuth     = "auth-storage"
	NamespaceSecurity = "security-storage"

	// MaxPersistedAttempts caps the login attempt history written to storage.
	MaxPersistedAttempts = 100

	formatVersion = 1
)

// AuthState is the checkpoint of one client instance's identity slot.
type AuthState struct {
	User                    *domain.User    `json:"user"`
	Session                 *domain.Session `json:"session"`
	RequiresPinVerification bool            `json:"requires_pin_verification"`
}

// Authenticated reports whether the state carries a usable session.
func (s AuthState) Authenticated() bool {
	return s.User != nil && s.Session != nil
}

// SecurityState is the checkpoint of the security ledger.
type SecurityState struct {
	PinRecords    []domain.PinRecord      `json:"pin_codes"`
	Settings      domain.SecuritySettings `json:"settings"`
	LoginAttempts []domain.LoginAttempt   `json:"login_attempts"`
}

type envelope struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: formatVersion, State: raw})
}

func decode(data []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode snapshot envelope: %w", err)
	}
	if env.Version != formatVersion {
		return fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	if err := json.Unmarshal(env.State, v); err != nil {
		return fmt.Errorf("decode snapshot state: %w", err)
	}
	return nil
}

// EncodeAuth serializes an AuthState.
func EncodeAuth(st AuthState) ([]byte, error) {
	return encode(st)
}

// DecodeAuth restores an AuthState. A session that is expired at now, or that
// does not belong to the stored user, yields an anonymous state.
func DecodeAuth(data []byte, now time.Time) (AuthState, error) {
	var st AuthState
	if err := decode(data, &st); err != nil {
		return AuthState{}, err
	}
	if st.User == nil || st.Session == nil {
		return AuthState{}, nil
	}
	if st.Session.UserID != st.User.ID || st.Session.Expired(now) {
		return AuthState{}, nil
	}
	if !st.User.Role.Valid() {
		return AuthState{}, nil
	}
	// The verified flag lives on both records; restore the stricter of the two.
	verified := st.Session.PinVerified && st.User.PinVerified
	st.Session.PinVerified = verified
	st.User.PinVerified = verified
	st.RequiresPinVerification = st.User.PinRequired && !verified
	return st, nil
}

// EncodeSecurity serializes a SecurityState, keeping only the most recent
// MaxPersistedAttempts login attempts.
func EncodeSecurity(st SecurityState) ([]byte, error) {
	attempts := st.LoginAttempts
	if len(attempts) > MaxPersistedAttempts {
		attempts = attempts[len(attempts)-MaxPersistedAttempts:]
	}
	st.LoginAttempts = attempts
	return encode(st)
}

// DecodeSecurity restores a SecurityState and normalizes it against now.
func DecodeSecurity(data []byte, now time.Time) (SecurityState, error) {
	var st SecurityState
	if err := decode(data, &st); err != nil {
		return SecurityState{}, err
	}

	if err := st.Settings.Validate(); err != nil {
		st.Settings = domain.DefaultSecuritySettings()
	}

	newest := make(map[[2]string]domain.PinRecord, len(st.PinRecords))
	for _, rec := range st.PinRecords {
		if rec.UserID == "" || rec.LocationID == "" || rec.PinHash == "" || rec.Salt == "" {
			continue
		}
		key := [2]string{rec.UserID, rec.LocationID}
		if prev, ok := newest[key]; ok && !rec.CreatedAt.After(prev.CreatedAt) {
			continue
		}
		if rec.LockedUntil != nil && !rec.LockedUntil.After(now) {
			rec.LockedUntil = nil
			rec.FailedAttempts = 0
		}
		newest[key] = rec
	}
	st.PinRecords = st.PinRecords[:0]
	for _, rec := range newest {
		st.PinRecords = append(st.PinRecords, rec)
	}
	sort.Slice(st.PinRecords, func(i, j int) bool {
		return st.PinRecords[i].CreatedAt.Before(st.PinRecords[j].CreatedAt)
	})

	cutoff := now.Add(-st.Settings.LockoutWindow())
	kept := st.LoginAttempts[:0]
	for _, a := range st.LoginAttempts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	st.LoginAttempts = kept
	sort.SliceStable(st.LoginAttempts, func(i, j int) bool {
		return st.LoginAttempts[i].Timestamp.Before(st.LoginAttempts[j].Timestamp)
	})
	return st, nil
}
