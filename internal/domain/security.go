package domain

import (
	"fmt"
	"time"
)

// PIN length bounds accepted by the policy.
const (
	MinPinLength = 4
	MaxPinLength = 6
)

// LoginFailureReason is internal telemetry only and is never returned to a caller.
type LoginFailureReason string

const (
	FailureInvalidUsername LoginFailureReason = "INVALID_USERNAME"
	FailureInvalidPassword LoginFailureReason = "INVALID_PASSWORD"
	FailureAccountLocked   LoginFailureReason = "ACCOUNT_LOCKED"
	FailureIPBlocked       LoginFailureReason = "IP_BLOCKED"
	FailureLocationDenied  LoginFailureReason = "LOCATION_DENIED"
	FailureUnavailable     LoginFailureReason = "SERVICE_UNAVAILABLE"
)

// CountsTowardLockout reports whether a failure with this reason feeds the
// account and IP lockout counters. Correct credentials at a denied location and
// backend faults are recorded but not counted.
func (r LoginFailureReason) CountsTowardLockout() bool {
	return r != FailureLocationDenied && r != FailureUnavailable
}

// LoginAttempt is an append-only record of a single login call.
type LoginAttempt struct {
	ID            string              `json:"id"`
	Username      *string             `json:"username,omitempty"`
	IPAddress     string              `json:"ip_address"`
	UserAgent     string              `json:"user_agent"`
	Success       bool                `json:"success"`
	FailureReason *LoginFailureReason `json:"failure_reason,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	LocationID    *string             `json:"location_id,omitempty"`
}

// PinRecord stores the hashed PIN for a (user, location) pair along with its
// failure counter and lock state.
type PinRecord struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	LocationID     string     `json:"location_id"`
	PinHash        string     `json:"pin_hash"`
	Salt           string     `json:"salt"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the record is locked at now.
func (p *PinRecord) Locked(now time.Time) bool {
	return p.LockedUntil != nil && p.LockedUntil.After(now)
}

// SecuritySettings is the process-wide policy read by every check.
// Durations are expressed in minutes.
type SecuritySettings struct {
	MaxLoginAttempts     int      `json:"max_login_attempts"`
	LockoutDuration      int      `json:"lockout_duration"`
	SessionTimeout       int      `json:"session_timeout"`
	PinLength            int      `json:"pin_length"`
	RequirePinForActions []string `json:"require_pin_for_actions"`
	PasswordMinLength    int      `json:"password_min_length"`
	RequireSpecialChars  bool     `json:"require_special_chars"`
}

// DefaultSecuritySettings returns the policy in force at process start.
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		MaxLoginAttempts: 5,
		LockoutDuration:  15,
		SessionTimeout:   480,
		PinLength:        4,
		RequirePinForActions: []string{
			ActionQueueManagement,
			ActionStaffManagement,
			ActionLocationManagement,
			ActionSecuritySettings,
		},
		PasswordMinLength:   8,
		RequireSpecialChars: true,
	}
}

// LockoutWindow returns the lockout duration as a time.Duration.
func (s SecuritySettings) LockoutWindow() time.Duration {
	return time.Duration(s.LockoutDuration) * time.Minute
}

// SessionTTL returns the session timeout as a time.Duration.
func (s SecuritySettings) SessionTTL() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Minute
}

// RequiresPin reports whether the action is gated behind PIN verification.
func (s SecuritySettings) RequiresPin(action string) bool {
	for _, a := range s.RequirePinForActions {
		if a == action {
			return true
		}
	}
	return false
}

// Clone returns a copy that does not share the action slice.
func (s SecuritySettings) Clone() SecuritySettings {
	s.RequirePinForActions = append([]string(nil), s.RequirePinForActions...)
	return s
}

// SecuritySettingsPatch is a partial update; nil fields are left untouched.
type SecuritySettingsPatch struct {
	MaxLoginAttempts     *int      `json:"max_login_attempts,omitempty"`
	LockoutDuration      *int      `json:"lockout_duration,omitempty"`
	SessionTimeout       *int      `json:"session_timeout,omitempty"`
	PinLength            *int      `json:"pin_length,omitempty"`
	RequirePinForActions *[]string `json:"require_pin_for_actions,omitempty"`
	PasswordMinLength    *int      `json:"password_min_length,omitempty"`
	RequireSpecialChars  *bool     `json:"require_special_chars,omitempty"`
}

// Validate checks the policy bounds.
func (s SecuritySettings) Validate() error {
	switch {
	case s.MaxLoginAttempts < 1:
		return fmt.Errorf("max_login_attempts must be at least 1, got %d", s.MaxLoginAttempts)
	case s.LockoutDuration < 1:
		return fmt.Errorf("lockout_duration must be at least 1 minute, got %d", s.LockoutDuration)
	case s.SessionTimeout < 1:
		return fmt.Errorf("session_timeout must be at least 1 minute, got %d", s.SessionTimeout)
	case s.PinLength < MinPinLength || s.PinLength > MaxPinLength:
		return fmt.Errorf("pin_length must be between %d and %d, got %d", MinPinLength, MaxPinLength, s.PinLength)
	case s.PasswordMinLength < 1:
		return fmt.Errorf("password_min_length must be at least 1, got %d", s.PasswordMinLength)
	}
	return nil
}

// Apply returns s with every non-nil field of p merged in.
func (s SecuritySettings) Apply(p SecuritySettingsPatch) SecuritySettings {
	out := s.Clone()
	if p.MaxLoginAttempts != nil {
		out.MaxLoginAttempts = *p.MaxLoginAttempts
	}
	if p.LockoutDuration != nil {
		out.LockoutDuration = *p.LockoutDuration
	}
	if p.SessionTimeout != nil {
		out.SessionTimeout = *p.SessionTimeout
	}
	if p.PinLength != nil {
		out.PinLength = *p.PinLength
	}
	if p.RequirePinForActions != nil {
		out.RequirePinForActions = append([]string(nil), (*p.RequirePinForActions)...)
	}
	if p.PasswordMinLength != nil {
		out.PasswordMinLength = *p.PasswordMinLength
	}
	if p.RequireSpecialChars != nil {
		out.RequireSpecialChars = *p.RequireSpecialChars
	}
	return out
}
