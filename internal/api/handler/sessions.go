package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/api/middleware"
	"github.com/kiranshivaraju/relaycopy/internal/api/response"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/internal/session"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// SessionService is the session manager surface the handlers depend on.
type SessionService interface {
	BeginLogin(ctx context.Context, id session.Identity) error
	CompleteLogin(ctx context.Context, id session.Identity, code string) (*messenger.User, error)
	CompletePassword(ctx context.Context, id session.Identity, password string) (*messenger.User, error)
	Status(ctx context.Context, ownerID uuid.UUID) models.SessionStatus
	Logout(ctx context.Context, ownerID uuid.UUID) error
}

type Sessions struct {
	svc SessionService
}

func NewSessions(svc SessionService) *Sessions {
	return &Sessions{svc: svc}
}

type loginRequest struct {
	Phone    string `json:"phone"`
	AppID    int    `json:"app_id"`
	AppHash  string `json:"app_hash"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status       string `json:"status"`
	RemoteUserID int64  `json:"remote_user_id,omitempty"`
	Username     string `json:"username,omitempty"`
}

func decodeLogin(w http.ResponseWriter, r *http.Request) (session.Identity, loginRequest, bool) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return session.Identity{}, loginRequest{}, false
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return session.Identity{}, loginRequest{}, false
	}
	id := session.Identity{OwnerID: ownerID, Phone: req.Phone, AppID: req.AppID, AppHash: req.AppHash}
	return id, req, true
}

// SendCode handles POST /api/v1/session/code.
func (h *Sessions) SendCode(w http.ResponseWriter, r *http.Request) {
	id, _, ok := decodeLogin(w, r)
	if !ok {
		return
	}
	if err := h.svc.BeginLogin(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	response.Accepted(w, loginResponse{Status: "code_sent"})
}

// Verify handles POST /api/v1/session/verify.
func (h *Sessions) Verify(w http.ResponseWriter, r *http.Request) {
	id, req, ok := decodeLogin(w, r)
	if !ok {
		return
	}
	if req.Code == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "code is required", nil)
		return
	}
	user, err := h.svc.CompleteLogin(r.Context(), id, req.Code)
	if errors.Is(err, messenger.ErrPasswordRequired) {
		response.JSON(w, loginResponse{Status: "password_required"})
		return
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	response.JSON(w, loggedIn(user))
}

// Password handles POST /api/v1/session/password.
func (h *Sessions) Password(w http.ResponseWriter, r *http.Request) {
	id, req, ok := decodeLogin(w, r)
	if !ok {
		return
	}
	if req.Password == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "password is required", nil)
		return
	}
	user, err := h.svc.CompletePassword(r.Context(), id, req.Password)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	response.JSON(w, loggedIn(user))
}

// Status handles GET /api/v1/session.
func (h *Sessions) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}
	response.JSON(w, h.svc.Status(r.Context(), ownerID))
}

// Logout handles DELETE /api/v1/session.
func (h *Sessions) Logout(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}
	if err := h.svc.Logout(r.Context(), ownerID); err != nil {
		writeSessionError(w, err)
		return
	}
	response.NoContent(w)
}

func loggedIn(u *messenger.User) loginResponse {
	resp := loginResponse{Status: "logged_in"}
	if u != nil {
		resp.RemoteUserID = u.ID
		resp.Username = u.Username
	}
	return resp
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidIdentity):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "phone, app_id and app_hash are required", nil)
	case errors.Is(err, session.ErrNoPendingLogin):
		response.Error(w, http.StatusConflict, "NO_PENDING_LOGIN", "Request a verification code first", nil)
	case errors.Is(err, messenger.ErrInvalidCode):
		response.Error(w, http.StatusUnauthorized, "INVALID_CODE", "The code or password is not valid", nil)
	case errors.Is(err, session.ErrNoSession):
		response.Error(w, http.StatusNotFound, "NO_SESSION", "No session for this account", nil)
	case messenger.IsSessionFatal(err):
		response.Error(w, http.StatusUnauthorized, "SESSION_REVOKED", "The session was revoked; log in again", nil)
	case errors.Is(err, session.ErrSessionInvalid):
		response.Error(w, http.StatusBadGateway, "NETWORK_UNAVAILABLE", "Could not reach the messaging network", nil)
	default:
		var rl *messenger.RateLimitError
		if errors.As(err, &rl) {
			response.Error(w, http.StatusTooManyRequests, "NETWORK_RATE_LIMITED",
				"The messaging network asked to wait before retrying",
				map[string]int{"retry_after_seconds": int(rl.RetryAfter.Seconds())})
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
