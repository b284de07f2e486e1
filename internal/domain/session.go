package domain

import "time"

// Session is the single active session of a client instance.
type Session struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	PinVerified  bool      `json:"pin_verified"`
	LocationID   *string   `json:"location_id,omitempty"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.LocationID != nil {
		id := *s.LocationID
		c.LocationID = &id
	}
	return &c
}
