/**
 * @description
 * HTTP handlers for the staff dashboard: login, PIN step-up, session inspection,
 * secure actions and the security settings admin endpoint.
 *
 * @dependencies
 * - internal/app: client registry holding one session manager and guard per client.
 * - internal/stepup: PIN challenge flow for secure actions.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/khainguyen105/waitlistdup-sub001/internal/app"
	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
	"github.com/khainguyen105/waitlistdup-sub001/internal/ledger"
	"github.com/khainguyen105/waitlistdup-sub001/internal/session"
	"github.com/khainguyen105/waitlistdup-sub001/internal/stepup"
	"github.com/khainguyen105/waitlistdup-sub001/pkg/pingrant"
)

// Clients is the registry of authenticated client instances.
type Clients interface {
	Login(ctx context.Context, req session.LoginRequest) (session.Result, *app.Client)
	Lookup(ctx context.Context, token string) (*app.Client, error)
	Logout(ctx context.Context, token string)
}

// SettingsUpdater applies partial security policy updates.
type SettingsUpdater interface {
	UpdateSecuritySettings(ctx context.Context, patch domain.SecuritySettingsPatch) (domain.SecuritySettings, error)
}

// ActionPublisher hands authorized actions to the queue data-access layer.
type ActionPublisher interface {
	PublishActionAuthorized(ctx context.Context, event domain.ActionAuthorizedEvent) error
}

// Handler holds the dependencies shared by every route.
type Handler struct {
	clients  Clients
	settings SettingsUpdater
	actions  ActionPublisher
	grants   *pingrant.Issuer
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a Handler. grants may be nil when PIN grants are disabled.
func NewHandler(clients Clients, settings SettingsUpdater, actions ActionPublisher, grants *pingrant.Issuer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		clients:  clients,
		settings: settings,
		actions:  actions,
		grants:   grants,
		logger:   logger,
		now:      time.Now,
	}
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	LocationID string `json:"location_id,omitempty"`
}

type loginResponse struct {
	Success      bool         `json:"success"`
	RequiresPin  bool         `json:"requires_pin"`
	Token        string       `json:"token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         *domain.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		respondWithMessage(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	res, client := h.clients.Login(r.Context(), session.LoginRequest{
		Username:   req.Username,
		Password:   req.Password,
		LocationID: req.LocationID,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if !res.Success {
		respondWithError(w, res.Error)
		return
	}

	sess := client.Manager.Session()
	respondWithJSON(w, http.StatusOK, loginResponse{
		Success:      true,
		RequiresPin:  res.RequiresPin,
		Token:        sess.Token,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
		User:         client.Manager.User(),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.clients.Logout(r.Context(), tokenFromContext(r.Context()))
	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type pinRequest struct {
	Pin        string `json:"pin"`
	LocationID string `json:"location_id,omitempty"`
}

type pinVerifyResponse struct {
	Success           bool       `json:"success"`
	PinGrant          string     `json:"pin_grant,omitempty"`
	PinGrantExpiresAt *time.Time `json:"pin_grant_expires_at,omitempty"`
}

func decodePinRequest(w http.ResponseWriter, r *http.Request) (pinRequest, bool) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithMessage(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	return req, true
}

func (h *Handler) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	req, ok := decodePinRequest(w, r)
	if !ok {
		return
	}

	res := client.Manager.VerifyPin(r.Context(), req.Pin, req.LocationID)
	if !res.Success {
		respondWithError(w, res.Error)
		return
	}
	respondWithJSON(w, http.StatusOK, h.pinVerified(client, req.LocationID))
}

// pinVerified issues a PIN grant for the session's location when grants are enabled.
func (h *Handler) pinVerified(client *app.Client, locationID string) pinVerifyResponse {
	resp := pinVerifyResponse{Success: true}
	if h.grants == nil {
		return resp
	}
	user := client.Manager.User()
	if user == nil {
		return resp
	}
	if locationID == "" {
		if sess := client.Manager.Session(); sess != nil && sess.LocationID != nil {
			locationID = *sess.LocationID
		}
	}
	grant, expiresAt, err := h.grants.Issue(user.ID, locationID)
	if err != nil {
		h.logger.Error("failed to issue pin grant", zap.String("user_id", user.ID), zap.Error(err))
		return resp
	}
	resp.PinGrant = grant
	resp.PinGrantExpiresAt = &expiresAt
	return resp
}

func (h *Handler) handleSetupPin(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	req, ok := decodePinRequest(w, r)
	if !ok {
		return
	}
	res := client.Manager.SetupPin(r.Context(), req.Pin, req.LocationID)
	if !res.Success {
		respondWithError(w, res.Error)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleResetPin(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	var req struct {
		LocationID string `json:"location_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	pin, err := client.Manager.ResetUserPin(r.Context(), req.LocationID)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"pin": pin})
}

type sessionResponse struct {
	User                    *domain.User   `json:"user"`
	ExpiresAt               time.Time      `json:"expires_at"`
	PinVerified             bool           `json:"pin_verified"`
	LocationID              *string        `json:"location_id,omitempty"`
	RequiresPinVerification bool           `json:"requires_pin_verification"`
	Challenge               *challengeView `json:"challenge,omitempty"`
}

type challengeView struct {
	Action           string `json:"action"`
	LocationID       string `json:"location_id,omitempty"`
	LocationName     string `json:"location_name,omitempty"`
	Prompt           string `json:"prompt"`
	StrikesRemaining int    `json:"strikes_remaining"`
}

func viewChallenge(c *stepup.Challenge) *challengeView {
	if c == nil {
		return nil
	}
	return &challengeView{
		Action:           c.Action,
		LocationID:       c.LocationID,
		LocationName:     c.LocationName,
		Prompt:           c.Prompt,
		StrikesRemaining: c.StrikesRemaining,
	}
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	sess := client.Manager.Session()
	if sess == nil {
		respondWithError(w, app.ErrUnknownSession)
		return
	}
	resp := sessionResponse{
		User:                    client.Manager.User(),
		ExpiresAt:               sess.ExpiresAt,
		PinVerified:             sess.PinVerified,
		LocationID:              sess.LocationID,
		RequiresPinVerification: client.Manager.RequiresPinVerification(),
	}
	if c, ok := client.Guard.Challenge(); ok {
		resp.Challenge = viewChallenge(&c)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	action := chi.URLParam(r, "action")
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"action":       action,
		"allowed":      client.Manager.HasPermission(action),
		"requires_pin": client.Manager.NeedsPinChallenge(action),
	})
}

type secureActionResponse struct {
	Status    stepup.Status  `json:"status"`
	Error     string         `json:"error,omitempty"`
	Challenge *challengeView `json:"challenge,omitempty"`
	Result    interface{}    `json:"result,omitempty"`
}

// respondWithOutcome maps a guard outcome to a status code. result is included
// only when the action ran.
func (h *Handler) respondWithOutcome(w http.ResponseWriter, out stepup.Outcome, result interface{}) {
	resp := secureActionResponse{Status: out.Status, Challenge: viewChallenge(out.Challenge)}
	code := http.StatusOK
	switch out.Status {
	case stepup.StatusExecuted:
		resp.Result = result
	case stepup.StatusChallengeRequired:
		code = http.StatusAccepted
		if out.Err != nil {
			code = http.StatusUnauthorized
		}
	case stepup.StatusDenied:
		code = http.StatusForbidden
	case stepup.StatusBusy:
		code = http.StatusConflict
	case stepup.StatusAborted:
		code = http.StatusLocked
	case stepup.StatusFailed:
		switch {
		case errors.Is(out.Err, stepup.ErrNoPendingAction):
			code = http.StatusNotFound
		case errors.Is(out.Err, ledger.ErrInvalidSettings):
			code = http.StatusBadRequest
		default:
			code = statusForError(out.Err)
		}
	}
	if out.Err != nil {
		resp.Error = outcomeMessage(out.Err)
	}
	respondWithJSON(w, code, resp)
}

func outcomeMessage(err error) string {
	var ae *domain.AuthError
	switch {
	case errors.As(err, &ae) && ae.Message != "":
		return ae.Message
	case errors.Is(err, stepup.ErrBusy), errors.Is(err, stepup.ErrNoPendingAction), errors.Is(err, ledger.ErrInvalidSettings):
		return err.Error()
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// publishAction returns the guarded work for a queue action: announce it to the
// queue data-access layer once it is authorized.
func (h *Handler) publishAction(client *app.Client, action string, payload map[string]any) stepup.Action {
	return func(ctx context.Context) error {
		user := client.Manager.User()
		if user == nil {
			return domain.NewAuthError(domain.KindPolicyDenied, "Not authenticated", nil)
		}
		event := domain.ActionAuthorizedEvent{
			Action:       action,
			UserID:       user.ID,
			Payload:      payload,
			AuthorizedAt: h.now(),
		}
		if sess := client.Manager.Session(); sess != nil && sess.LocationID != nil {
			event.LocationID = *sess.LocationID
		}
		if err := h.actions.PublishActionAuthorized(ctx, event); err != nil {
			return domain.NewAuthError(domain.KindTransientFailure, "Action could not be dispatched. Please try again.", err)
		}
		return nil
	}
}

func (h *Handler) handleSecureAction(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	action := chi.URLParam(r, "action")

	var body struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondWithMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	out := client.Guard.ExecuteSecureAction(r.Context(), action, h.publishAction(client, action, body.Payload))
	h.respondWithOutcome(w, out, nil)
}

func (h *Handler) handleSubmitChallengePin(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	req, ok := decodePinRequest(w, r)
	if !ok {
		return
	}
	challenge, pending := client.Guard.Challenge()
	locationID := req.LocationID
	if locationID == "" {
		locationID = challenge.LocationID
	}

	out := client.Guard.SubmitPin(r.Context(), req.Pin, locationID)
	if out.Status == stepup.StatusExecuted && pending {
		grant := h.pinVerified(client, locationID)
		h.respondWithOutcome(w, out, grant)
		return
	}
	h.respondWithOutcome(w, out, nil)
}

func (h *Handler) handleCancelChallenge(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	h.respondWithOutcome(w, client.Guard.Cancel(), nil)
}

func (h *Handler) handleUpdateSecuritySettings(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	user := client.Manager.User()
	if user == nil || user.Role != domain.RoleAgencyAdmin {
		respondWithError(w, domain.NewAuthError(domain.KindPolicyDenied, "You do not have permission to perform this action", nil))
		return
	}

	var patch domain.SecuritySettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondWithMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var updated domain.SecuritySettings
	out := client.Guard.ExecuteSecureAction(r.Context(), domain.ActionSecuritySettings, func(ctx context.Context) error {
		next, err := h.settings.UpdateSecuritySettings(ctx, patch)
		if err != nil {
			return err
		}
		updated = next
		return nil
	})
	if out.Status == stepup.StatusExecuted {
		h.respondWithOutcome(w, out, updated)
		return
	}
	h.respondWithOutcome(w, out, nil)
}
