package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/authcrypto"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/ledger"
	"github.com/khainguyen105/waitlistdup-sub001/internal/metrics"
	"github.com/khainguyen105/waitlistdup-sub001/internal/session"
	"github.com/khainguyen105/waitlistdup-sub001/internal/snapshot"
	"github.com/khainguyen105/waitlistdup-sub001/internal/stepup"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

var (
	// ErrMalformedSession is returned for a bearer token that fails structural or signature checks.
	ErrMalformedSession = domain.NewAuthError(domain.KindMalformedToken, "Invalid session token", nil)
	// ErrUnknownSession is returned for a well-formed token with no live session behind it.
	ErrUnknownSession = domain.NewAuthError(domain.KindInvalidCredential, "Session expired or not found", nil)
)

// Client is one authenticated client instance: its identity slot and its step-up guard.
type Client struct {
	Manager *session.Manager
	Guard   *stepup.Guard
}

// RegistryDeps are the shared services every client instance is built from.
type RegistryDeps struct {
	Ledger        *ledger.Ledger
	Users         store.UserDirectory
	Locations     store.LocationDirectory
	Checkpointer  *snapshot.Checkpointer
	Events        domain.SecurityEventSink
	MaxPinStrikes int
	Logger        *zap.Logger
	Now           func() time.Time
}

// ClientRegistry keeps one Client per session token. Clients are created on login,
// restored lazily from checkpoints and dropped on logout or expiry.
type ClientRegistry struct {
	deps    RegistryDeps
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(deps RegistryDeps) *ClientRegistry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Events == nil {
		deps.Events = domain.NopEventSink{}
	}
	return &ClientRegistry{deps: deps, clients: make(map[string]*Client)}
}

func (r *ClientRegistry) newClient() *Client {
	opts := []session.Option{
		session.WithClock(r.deps.Now),
		session.WithLogger(r.deps.Logger.Named("session")),
		session.WithEventSink(r.deps.Events),
	}
	if r.deps.Checkpointer != nil {
		opts = append(opts, session.WithCheckpointer(r.deps.Checkpointer, ""))
	}
	m := session.NewManager(r.deps.Ledger, r.deps.Users, opts...)
	return &Client{
		Manager: m,
		Guard:   stepup.NewGuard(m, r.deps.Locations, r.deps.MaxPinStrikes, r.deps.Logger.Named("stepup")),
	}
}

// Login authenticates into a fresh client instance and registers it under its
// session token on success.
func (r *ClientRegistry) Login(ctx context.Context, req session.LoginRequest) (session.Result, *Client) {
	c := r.newClient()
	res := c.Manager.Login(ctx, req)
	if !res.Success {
		return res, nil
	}
	r.mu.Lock()
	r.clients[c.Manager.Token()] = c
	metrics.ActiveSessions.Set(float64(len(r.clients)))
	r.mu.Unlock()
	return res, c
}

// Lookup returns the client holding token. A client missing from memory is
// restored from its checkpoint; an expired one is removed.
func (r *ClientRegistry) Lookup(ctx context.Context, token string) (*Client, error) {
	if _, ok := authcrypto.ParseSessionToken(token); !ok {
		return nil, ErrMalformedSession
	}

	r.mu.RLock()
	c, ok := r.clients[token]
	r.mu.RUnlock()
	if ok {
		if c.Manager.IsSessionValid() {
			return c, nil
		}
		c.Manager.Logout(ctx)
		r.remove(token)
		return nil, ErrUnknownSession
	}

	restored, err := r.restore(ctx, token)
	if err != nil {
		return nil, err
	}
	if restored == nil {
		return nil, ErrUnknownSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[token]; ok {
		return existing, nil
	}
	r.clients[token] = restored
	metrics.ActiveSessions.Set(float64(len(r.clients)))
	return restored, nil
}

func (r *ClientRegistry) restore(ctx context.Context, token string) (*Client, error) {
	if r.deps.Checkpointer == nil {
		return nil, nil
	}
	st, found, err := r.deps.Checkpointer.LoadAuth(ctx, authcrypto.SHA256Hex(token))
	if err != nil {
		r.deps.Logger.Error("failed to load session checkpoint", zap.Error(err))
		return nil, domain.NewAuthError(domain.KindTransientFailure, "Session store unavailable", err)
	}
	if !found || st.Session == nil || st.Session.Token != token {
		return nil, nil
	}
	c := r.newClient()
	c.Manager.Adopt(st)
	if !c.Manager.IsAuthenticated() {
		return nil, nil
	}
	return c, nil
}

// Logout ends the session behind token and forgets its client.
func (r *ClientRegistry) Logout(ctx context.Context, token string) {
	r.mu.RLock()
	c, ok := r.clients[token]
	r.mu.RUnlock()
	if ok {
		c.Manager.Logout(ctx)
		r.remove(token)
		return
	}
	if r.deps.Checkpointer != nil {
		if err := r.deps.Checkpointer.ClearAuth(ctx, authcrypto.SHA256Hex(token)); err != nil {
			r.deps.Logger.Warn("failed to clear session checkpoint", zap.Error(err))
		}
	}
}

func (r *ClientRegistry) remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, token)
	metrics.ActiveSessions.Set(float64(len(r.clients)))
}

// RefreshAll runs RefreshSession on every client and drops the ones that expired.
func (r *ClientRegistry) RefreshAll(ctx context.Context) (active, expired int) {
	r.mu.RLock()
	snapshot := make(map[string]*Client, len(r.clients))
	for token, c := range r.clients {
		snapshot[token] = c
	}
	r.mu.RUnlock()

	for token, c := range snapshot {
		if c.Manager.RefreshSession(ctx) {
			active++
			continue
		}
		expired++
		r.remove(token)
	}
	return active, expired
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
