/**
 * @description
 * The session manager owns the single identity slot of one client instance
 * (a staff terminal or dashboard tab). It moves through
 * Anonymous -> Authenticated(pin pending) -> Authenticated(pin verified) -> Anonymous
 * and never lets an error escape: every operation reports a Result and leaves the
 * slot in a safe state when something unexpected happens.
 *
 * @dependencies
 * - internal/ledger: lockout checks, attempt recording and PIN records.
 * - internal/store: credential lookup.
 * - internal/snapshot: optional checkpointing of the identity slot.
 */
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/authcrypto"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/ledger"
	"github.com/khainguyen105/waitlistdup-sub001/internal/snapshot"
	"github.com/khainguyen105/waitlistdup-sub001/internal/store"
)

// RefreshThreshold is how close to expiry a session must be before RefreshSession extends it.
const RefreshThreshold = 30 * time.Minute

// Caller-facing messages. They never distinguish which check failed.
const (
	msgInvalidCredentials = "Invalid username or password"
	msgIPBlocked          = "Too many failed login attempts. Please try again later."
	msgAccountLocked      = "Account locked due to too many failed login attempts. Please try again in %d minutes."
	msgInvalidPin         = "Invalid PIN"
	msgPinLocked          = "PIN locked due to too many failed attempts. Please try again in %d minutes."
	msgInvalidPinFormat   = "PIN must be %d digits"
	msgNotAuthenticated   = "Not authenticated"
	msgLocationDenied     = "You do not have access to this location"
	msgUnexpected         = "An unexpected error occurred. Please try again."
)

// Result is the outcome of a manager operation. Error is always a *domain.AuthError when set.
type Result struct {
	Success     bool
	RequiresPin bool
	Error       error
}

func failure(kind domain.ErrorKind, message string, cause error) Result {
	return Result{Error: domain.NewAuthError(kind, message, cause)}
}

// LoginRequest carries the credentials and the client context of a login call.
type LoginRequest struct {
	Username   string
	Password   string
	LocationID string
	IPAddress  string
	UserAgent  string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEventSink sets where login security events are emitted.
func WithEventSink(sink domain.SecurityEventSink) Option {
	return func(m *Manager) { m.events = sink }
}

// WithCheckpointer persists the identity slot after every change. clientID names
// the slot; when empty it is derived from the session token.
func WithCheckpointer(cp *snapshot.Checkpointer, clientID string) Option {
	return func(m *Manager) {
		m.checkpoint = cp
		m.clientID = clientID
	}
}

// Manager is the session and identity state machine for one client instance.
type Manager struct {
	mu          sync.RWMutex
	user        *domain.User
	session     *domain.Session
	requiresPin bool

	ledger     *ledger.Ledger
	users      store.UserDirectory
	checkpoint *snapshot.Checkpointer
	clientID   string

	now    func() time.Time
	logger *zap.Logger
	events domain.SecurityEventSink
}

// NewManager creates an anonymous manager.
func NewManager(l *ledger.Ledger, users store.UserDirectory, opts ...Option) *Manager {
	m := &Manager{
		ledger: l,
		users:  users,
		now:    time.Now,
		logger: zap.NewNop(),
		events: domain.NopEventSink{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates username and password and, on success, replaces the identity
// slot with a fresh session bound to the requested location.
func (m *Manager) Login(ctx context.Context, req LoginRequest) Result {
	res, err := m.login(ctx, req)
	if err != nil {
		m.logger.Error("login failed unexpectedly", zap.String("username", req.Username), zap.Error(err))
		m.clearSlot()
		m.recordFailure(ctx, req, domain.FailureUnavailable)
		return failure(domain.KindTransientFailure, msgUnexpected, err)
	}
	return res
}

func (m *Manager) login(ctx context.Context, req LoginRequest) (Result, error) {
	unlock := m.ledger.LockLogin(req.Username)
	defer unlock()

	settings := m.ledger.Settings()

	if m.ledger.IsIPBlocked(req.IPAddress) {
		m.recordFailure(ctx, req, domain.FailureIPBlocked)
		m.emit(ctx, domain.EventIPBlocked, req, "")
		return failure(domain.KindThrottledLockout, msgIPBlocked, nil), nil
	}

	if m.ledger.IsAccountLocked(req.Username) {
		m.recordFailure(ctx, req, domain.FailureAccountLocked)
		m.emit(ctx, domain.EventAccountLocked, req, "")
		return failure(domain.KindThrottledLockout, fmt.Sprintf(msgAccountLocked, settings.LockoutDuration), nil), nil
	}

	cred, err := m.users.FindCredentialByUsername(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, store.ErrUserNotFound) {
			return Result{}, fmt.Errorf("find credential: %w", err)
		}
		burnDerivation(ctx, req.Password)
		m.recordFailure(ctx, req, domain.FailureInvalidUsername)
		return failure(domain.KindInvalidCredential, msgInvalidCredentials, nil), nil
	}

	ok, err := authcrypto.VerifyPassword(ctx, req.Password, cred.PasswordHash, cred.Salt)
	if err != nil {
		return Result{}, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		m.recordFailure(ctx, req, domain.FailureInvalidPassword)
		if m.ledger.IsAccountLocked(req.Username) {
			m.emit(ctx, domain.EventAccountLocked, req, cred.User.ID)
		}
		return failure(domain.KindInvalidCredential, msgInvalidCredentials, nil), nil
	}

	user := cred.User
	if req.LocationID != "" && !user.CanAccessLocation(req.LocationID) {
		m.logger.Warn("login for inaccessible location",
			zap.String("user_id", user.ID),
			zap.String("location_id", req.LocationID),
		)
		m.recordFailure(ctx, req, domain.FailureLocationDenied)
		return failure(domain.KindPolicyDenied, msgLocationDenied, nil), nil
	}

	now := m.now()
	token, err := authcrypto.GenerateSessionToken(user.ID, req.LocationID, now)
	if err != nil {
		return Result{}, fmt.Errorf("generate session token: %w", err)
	}
	refresh, err := authcrypto.GenerateToken(32)
	if err != nil {
		return Result{}, fmt.Errorf("generate refresh token: %w", err)
	}

	sess := &domain.Session{
		Token:        token,
		UserID:       user.ID,
		ExpiresAt:    now.Add(settings.SessionTTL()),
		RefreshToken: refresh,
	}
	if req.LocationID != "" {
		loc := req.LocationID
		sess.LocationID = &loc
	}
	user.PinVerified = false
	user.LastLoginAt = &now

	if err := m.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		m.logger.Warn("failed to stamp last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	attempt := m.baseAttempt(req)
	attempt.Success = true
	m.ledger.RecordLoginAttempt(ctx, attempt)
	m.emit(ctx, domain.EventLoginSucceeded, req, user.ID)

	m.mu.Lock()
	previous := m.session
	m.user = &user
	m.session = sess
	m.requiresPin = user.PinRequired
	m.mu.Unlock()

	if previous != nil && previous.Token != token && m.checkpoint != nil && m.clientID == "" {
		if err := m.checkpoint.ClearAuth(ctx, authcrypto.SHA256Hex(previous.Token)); err != nil {
			m.logger.Warn("failed to clear replaced session", zap.Error(err))
		}
	}
	m.persist(ctx)

	m.logger.Info("login succeeded",
		zap.String("user_id", user.ID),
		zap.String("location_id", req.LocationID),
		zap.Bool("requires_pin", user.PinRequired),
	)
	return Result{Success: true, RequiresPin: user.PinRequired}, nil
}

// burnDerivation spends the same derivation cost as a real password check so an
// unknown username is not distinguishable by response time.
func burnDerivation(ctx context.Context, password string) {
	_, _ = authcrypto.HashPassword(ctx, password, dummySalt)
}

var dummySalt = strings.Repeat("00", authcrypto.SaltBytes)

func (m *Manager) baseAttempt(req LoginRequest) domain.LoginAttempt {
	attempt := domain.LoginAttempt{
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
	if req.Username != "" {
		username := req.Username
		attempt.Username = &username
	}
	if req.LocationID != "" {
		loc := req.LocationID
		attempt.LocationID = &loc
	}
	return attempt
}

func (m *Manager) recordFailure(ctx context.Context, req LoginRequest, reason domain.LoginFailureReason) {
	attempt := m.baseAttempt(req)
	attempt.FailureReason = &reason
	m.ledger.RecordLoginAttempt(ctx, attempt)
	m.logger.Info("login rejected",
		zap.String("username", req.Username),
		zap.String("ip_address", req.IPAddress),
		zap.String("reason", string(reason)),
	)
	m.emitReason(ctx, domain.EventLoginFailed, req, "", string(reason))
}

func (m *Manager) emit(ctx context.Context, typ domain.SecurityEventType, req LoginRequest, userID string) {
	m.emitReason(ctx, typ, req, userID, "")
}

func (m *Manager) emitReason(ctx context.Context, typ domain.SecurityEventType, req LoginRequest, userID, reason string) {
	m.events.Emit(ctx, domain.SecurityEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Username:   req.Username,
		UserID:     userID,
		IPAddress:  req.IPAddress,
		LocationID: req.LocationID,
		Reason:     reason,
		OccurredAt: m.now(),
	})
}

// VerifyPin checks pin for the current user at locationID, falling back to the
// session's location when locationID is empty. Success marks both the session and
// the user as PIN verified.
func (m *Manager) VerifyPin(ctx context.Context, pin, locationID string) Result {
	user, sess, ok := m.activeIdentity(ctx)
	if !ok {
		return failure(domain.KindPolicyDenied, msgNotAuthenticated, nil)
	}
	if locationID == "" && sess.LocationID != nil {
		locationID = *sess.LocationID
	}

	verified, err := m.ledger.VerifyPin(ctx, user.ID, locationID, pin)
	if err != nil {
		m.logger.Error("pin verification failed unexpectedly", zap.String("user_id", user.ID), zap.Error(err))
		m.setPinVerified(ctx, sess.Token, false)
		return failure(domain.KindTransientFailure, msgUnexpected, err)
	}
	if !verified {
		if rec, found := m.ledger.PinRecord(user.ID, locationID); found && rec.Locked(m.now()) {
			return failure(domain.KindThrottledLockout, fmt.Sprintf(msgPinLocked, m.ledger.Settings().LockoutDuration), nil)
		}
		return failure(domain.KindInvalidCredential, msgInvalidPin, nil)
	}

	m.setPinVerified(ctx, sess.Token, true)
	return Result{Success: true}
}

func (m *Manager) setPinVerified(ctx context.Context, token string, verified bool) {
	m.mu.Lock()
	if m.session == nil || m.session.Token != token {
		m.mu.Unlock()
		return
	}
	m.session.PinVerified = verified
	m.user.PinVerified = verified
	m.requiresPin = m.user.PinRequired && !verified
	m.mu.Unlock()
	m.persist(ctx)
}

// activeIdentity returns copies of the current user and session. An expired
// session is invalidated on the spot.
func (m *Manager) activeIdentity(ctx context.Context) (*domain.User, *domain.Session, bool) {
	m.mu.RLock()
	user, sess := m.user.Clone(), m.session.Clone()
	m.mu.RUnlock()
	if user == nil || sess == nil {
		return nil, nil, false
	}
	if sess.Expired(m.now()) {
		m.Logout(ctx)
		return nil, nil, false
	}
	return user, sess, true
}

// Logout clears the identity slot and its checkpoint unconditionally.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	previous := m.session
	m.user = nil
	m.session = nil
	m.requiresPin = false
	m.mu.Unlock()

	if m.checkpoint == nil {
		return
	}
	clientID := m.clientID
	if clientID == "" {
		if previous == nil {
			return
		}
		clientID = authcrypto.SHA256Hex(previous.Token)
	}
	if err := m.checkpoint.ClearAuth(ctx, clientID); err != nil {
		m.logger.Warn("failed to clear session checkpoint", zap.Error(err))
	}
}

func (m *Manager) clearSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = nil
	m.session = nil
	m.requiresPin = false
}

// IsSessionValid reports whether a session exists and has not reached its expiry.
func (m *Manager) IsSessionValid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session != nil && !m.session.Expired(m.now())
}

// RefreshSession logs out a missing or expired session and returns false. A session
// expiring within RefreshThreshold is extended by a full timeout window.
func (m *Manager) RefreshSession(ctx context.Context) bool {
	m.mu.RLock()
	sess := m.session.Clone()
	m.mu.RUnlock()

	now := m.now()
	if sess == nil || sess.Expired(now) {
		m.Logout(ctx)
		return false
	}
	if sess.ExpiresAt.Sub(now) <= RefreshThreshold {
		m.ExtendSession(ctx)
	}
	return true
}

// ExtendSession sets the expiry to now plus the session timeout.
func (m *Manager) ExtendSession(ctx context.Context) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session.ExpiresAt = m.now().Add(m.ledger.Settings().SessionTTL())
	m.mu.Unlock()
	m.persist(ctx)
}

// SetupPin stores pin for the current user at locationID.
func (m *Manager) SetupPin(ctx context.Context, pin, locationID string) Result {
	user, _, ok := m.activeIdentity(ctx)
	if !ok {
		return failure(domain.KindPolicyDenied, msgNotAuthenticated, nil)
	}
	if !user.CanAccessLocation(locationID) {
		return failure(domain.KindPolicyDenied, msgLocationDenied, nil)
	}
	created, err := m.ledger.CreatePin(ctx, user.ID, locationID, pin)
	if err != nil {
		m.logger.Error("pin setup failed unexpectedly", zap.String("user_id", user.ID), zap.Error(err))
		return failure(domain.KindTransientFailure, msgUnexpected, err)
	}
	if !created {
		return failure(domain.KindInvalidCredential, fmt.Sprintf(msgInvalidPinFormat, m.ledger.Settings().PinLength), nil)
	}
	return Result{Success: true}
}

// ResetUserPin generates a new PIN for the current user at locationID and returns
// it once. The returned error is a *domain.AuthError.
func (m *Manager) ResetUserPin(ctx context.Context, locationID string) (string, error) {
	user, _, ok := m.activeIdentity(ctx)
	if !ok {
		return "", domain.NewAuthError(domain.KindPolicyDenied, msgNotAuthenticated, nil)
	}
	if !user.CanAccessLocation(locationID) {
		return "", domain.NewAuthError(domain.KindPolicyDenied, msgLocationDenied, nil)
	}
	pin, err := m.ledger.ResetPin(ctx, user.ID, locationID)
	if err != nil {
		m.logger.Error("pin reset failed unexpectedly", zap.String("user_id", user.ID), zap.Error(err))
		return "", domain.NewAuthError(domain.KindTransientFailure, msgUnexpected, err)
	}
	return pin, nil
}

// HasPermission reports whether the current identity may perform action. The PIN
// gate is evaluated before the role: a PIN-gated action is denied to every role
// until the session's PIN is verified.
func (m *Manager) HasPermission(action string) bool {
	now := m.now()
	m.mu.RLock()
	active := m.user != nil && m.session != nil && !m.session.Expired(now)
	var role domain.Role
	var pinVerified bool
	if active {
		role = m.user.Role
		pinVerified = m.session.PinVerified
	}
	m.mu.RUnlock()

	if !active {
		return false
	}
	if m.ledger.Settings().RequiresPin(action) && !pinVerified {
		return false
	}
	return RoleAllows(role, action)
}

// RoleAllows is the role half of the permission check.
func RoleAllows(role domain.Role, action string) bool {
	switch role {
	case domain.RoleAgencyAdmin:
		return true
	case domain.RoleLocationManager:
		return action != domain.ActionAgencyManagement
	case domain.RoleStaff:
		return action == domain.ActionQueueManagement || action == domain.ActionCustomerService
	default:
		return false
	}
}

// RolePermits reports whether the current identity holds a valid session and a
// role that allows action, ignoring the PIN gate.
func (m *Manager) RolePermits(action string) bool {
	user := m.User()
	if user == nil || !m.IsSessionValid() {
		return false
	}
	return RoleAllows(user.Role, action)
}

// Settings returns the security policy in force.
func (m *Manager) Settings() domain.SecuritySettings {
	return m.ledger.Settings()
}

// NeedsPinChallenge reports whether action is PIN gated and the session has not
// verified its PIN yet.
func (m *Manager) NeedsPinChallenge(action string) bool {
	m.mu.RLock()
	verified := m.session != nil && m.session.PinVerified
	m.mu.RUnlock()
	return m.ledger.Settings().RequiresPin(action) && !verified
}

// IsAuthenticated reports whether the slot holds a user with a valid session.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil && m.session != nil && !m.session.Expired(m.now())
}

// RequiresPinVerification reports whether the user still owes a PIN for this session.
func (m *Manager) RequiresPinVerification() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requiresPin
}

// User returns a copy of the current user, or nil.
func (m *Manager) User() *domain.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user.Clone()
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Clone()
}

// Token returns the current session token, or "".
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.Token
}

// State captures the identity slot.
func (m *Manager) State() snapshot.AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot.AuthState{
		User:                    m.user.Clone(),
		Session:                 m.session.Clone(),
		RequiresPinVerification: m.requiresPin,
	}
}

// Restore loads the identity slot from the checkpoint. A stored session that has
// expired is discarded rather than trusted. It reports whether a session was restored.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.checkpoint == nil {
		return false, nil
	}
	st, found, err := m.checkpoint.LoadAuth(ctx, m.clientID)
	if err != nil {
		return false, fmt.Errorf("restore session: %w", err)
	}
	if !found {
		return false, nil
	}
	m.Adopt(st)
	return true, nil
}

// Adopt installs a decoded identity slot. Anonymous state clears the slot.
func (m *Manager) Adopt(st snapshot.AuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !st.Authenticated() || st.Session.Expired(m.now()) {
		m.user, m.session, m.requiresPin = nil, nil, false
		return
	}
	m.user = st.User.Clone()
	m.session = st.Session.Clone()
	m.requiresPin = st.RequiresPinVerification
}

func (m *Manager) persist(ctx context.Context) {
	if m.checkpoint == nil {
		return
	}
	st := m.State()
	clientID := m.clientID
	if clientID == "" {
		if st.Session == nil {
			return
		}
		clientID = authcrypto.SHA256Hex(st.Session.Token)
	}
	if err := m.checkpoint.SaveAuth(ctx, clientID, st); err != nil {
		m.logger.Warn("failed to checkpoint session", zap.Error(err))
	}
}
