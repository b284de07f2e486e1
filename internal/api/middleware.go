package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/app"
	"github.com/khainguyen105/waitlistdup-sub001/pkg/ratelimit"
)

type contextKey string

const (
	clientContextKey contextKey = "authClient"
	tokenContextKey  contextKey = "sessionToken"
)

// SessionMiddleware resolves the bearer session token to its client instance.
func SessionMiddleware(clients Clients) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(strings.TrimSpace(r.Header.Get("Authorization")))
			if !ok {
				respondWithMessage(w, http.StatusUnauthorized, "Authorization required")
				return
			}
			client, err := clients.Lookup(r.Context(), token)
			if err != nil {
				respondWithError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), clientContextKey, client)
			ctx = context.WithValue(ctx, tokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientFromContext returns the client resolved by SessionMiddleware.
func ClientFromContext(ctx context.Context) (*app.Client, bool) {
	c, ok := ctx.Value(clientContextKey).(*app.Client)
	return c, ok && c != nil
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}

	return token, true
}

// RateLimitMiddleware rejects requests from an IP over the limiter's budget with
// 429. Limiter errors fail open.
func RateLimitMiddleware(limiter ratelimit.Limiter, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter, err := limiter.Allow(r.Context(), scope, clientIP(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				seconds := int(retryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				respondWithMessage(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustedRealIP rewrites r.RemoteAddr from X-Forwarded-For or X-Real-IP, but
// only when the direct peer is one of the trusted proxies. With no trusted
// proxies the headers are ignored and the socket peer is the client. Walking
// X-Forwarded-For from the right stops at the first address that is not a
// trusted proxy, so entries a client prepends are never used.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	isTrusted := func(addr netip.Addr) bool {
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := parseIP(clientIP(r))
			if len(trusted) == 0 || !ok || !isTrusted(peer) {
				next.ServeHTTP(w, r)
				return
			}
			if ip, found := forwardedClient(r, isTrusted); found {
				r.RemoteAddr = ip.String()
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, isTrusted func(netip.Addr) bool) (netip.Addr, bool) {
	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(header, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseIP(hops[i])
		if !ok {
			return netip.Addr{}, false
		}
		if !isTrusted(addr) {
			return addr, true
		}
	}
	if addr, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return addr, true
	}
	return netip.Addr{}, false
}

func parseIP(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// clientIP returns the request's remote host. TrustedRealIP has already applied
// forwarded headers from trusted proxies.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
