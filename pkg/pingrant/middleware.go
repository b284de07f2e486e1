package pingrant

import (
	"context"
	"net/http"
	"strings"
)

// HeaderName carries the grant on requests to PIN-gated endpoints.
const HeaderName = "X-Pin-Grant"

type contextKey string

const claimsKey contextKey = "pinGrant"

// Verifier checks a grant. *Issuer satisfies it.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// RequireGrant rejects requests without a valid grant in HeaderName with 403.
// When locationID is non-nil, the grant must also name the location it returns
// for the request.
func RequireGrant(v Verifier, locationID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(r.Header.Get(HeaderName))
			if token == "" {
				http.Error(w, "Forbidden: PIN verification required", http.StatusForbidden)
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				http.Error(w, "Forbidden: invalid PIN grant", http.StatusForbidden)
				return
			}
			if locationID != nil {
				if want := locationID(r); want != "" && want != claims.LocationID {
					http.Error(w, "Forbidden: PIN grant is for another location", http.StatusForbidden)
					return
				}
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the grant accepted by RequireGrant.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
