/**
 * @description
 * PIN grants are short-lived HS256 assertions that a user verified their PIN at a
 * location. The auth service issues them; queue handlers in other services verify
 * them with the shared signing key instead of calling back.
 */
package pingrant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuerName = "waitlist-auth"

// ErrDisabled is returned when no signing key is configured.
var ErrDisabled = errors.New("pin grants are disabled")

// Claims is the grant payload: the subject verified their PIN at LocationID.
type Claims struct {
	LocationID string `json:"location_id,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 PIN grants.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewIssuer returns nil when key is empty.
func NewIssuer(key string, ttl time.Duration, now func() time.Time) *Issuer {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{key: []byte(key), ttl: ttl, now: now}
}

// Issue signs a grant for userID at locationID.
func (i *Issuer) Issue(userID, locationID string) (string, time.Time, error) {
	if i == nil {
		return "", time.Time{}, ErrDisabled
	}
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		LocationID: locationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign pin grant: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a grant.
func (i *Issuer) Verify(token string) (*Claims, error) {
	if i == nil {
		return nil, ErrDisabled
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errors.New("pin grant validation failed")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("pin grant subject missing")
	}
	return claims, nil
}
