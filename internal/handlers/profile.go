package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/types"
)

const displayLayout = "2006-01-02 15:04:05"

// Profile is the client view of an account. Times are rendered in the
// configured display zone.
type Profile struct {
	ID         int        `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Role       types.Role `json:"role"`
	Active     bool       `json:"active"`
	LoggedIn   bool       `json:"logged_in"`
	LastLogin  string     `json:"last_login,omitempty"`
	LastActive string     `json:"last_active,omitempty"`
	CreatedAt  string     `json:"created_at"`
}

func newProfile(acc types.Account, loc *time.Location) Profile {
	return Profile{
		ID:         acc.ID,
		Username:   acc.Username,
		Email:      acc.Email,
		Role:       acc.Role,
		Active:     acc.Active,
		LoggedIn:   acc.LoggedIn,
		LastLogin:  formatTime(acc.LastLogin, loc),
		LastActive: formatTime(acc.LastActive, loc),
		CreatedAt:  acc.CreatedAt.In(loc).Format(displayLayout),
	}
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(displayLayout)
}

// ProfileHandler serves the routes a logged-in account uses on itself.
type ProfileHandler struct {
	accounts *services.AccountService
	loc      *time.Location
}

// NewProfileHandler constructs a ProfileHandler. A nil location means UTC.
func NewProfileHandler(accounts *services.AccountService, loc *time.Location) *ProfileHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &ProfileHandler{accounts: accounts, loc: loc}
}

// ProfileRouter registers self-service routes. requireSession must run first.
func ProfileRouter(r chi.Router, handler *ProfileHandler, requireSession func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Get("/profile", handler.GetProfile)
		r.Post("/reset-password", handler.ResetPassword)
		r.Post("/reset-passcode", handler.ResetPasscode)
		r.Put("/device-token", handler.SetDeviceToken)
		r.Get("/sessions", handler.Sessions)
	})
}

// GetProfile returns the caller's account.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	auth, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, apperr.ErrTokenInvalid)
		return
	}
	acc, err := h.accounts.Get(r.Context(), auth.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfile(acc, h.loc))
}

// ResetPassword replaces the caller's password.
func (h *ProfileHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	auth, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, apperr.ErrTokenInvalid)
		return
	}
	var req ResetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.accounts.ResetPassword(r.Context(), auth.AccountID, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "password updated"})
}

// ResetPasscode replaces the caller's passcode.
func (h *ProfileHandler) ResetPasscode(w http.ResponseWriter, r *http.Request) {
	auth, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, apperr.ErrTokenInvalid)
		return
	}
	var req ResetPasscodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.accounts.ResetPasscode(r.Context(), auth.AccountID, req.NewPasscode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "passcode updated"})
}

// SetDeviceToken registers the push token used by device login.
func (h *ProfileHandler) SetDeviceToken(w http.ResponseWriter, r *http.Request) {
	auth, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, apperr.ErrTokenInvalid)
		return
	}
	var req DeviceTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.accounts.SetDeviceToken(r.Context(), auth.AccountID, strings.TrimSpace(req.DeviceToken)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "device token updated"})
}

// Sessions lists the caller's most recent session records.
func (h *ProfileHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	auth, ok := authFromContext(r.Context())
	if !ok {
		writeError(w, apperr.ErrTokenInvalid)
		return
	}
	recs, err := h.accounts.History(r.Context(), auth.AccountID, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: recs})
}

type ResetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

type ResetPasscodeRequest struct {
	NewPasscode string `json:"new_passcode"`
}

type DeviceTokenRequest struct {
	DeviceToken string `json:"device_token"`
}

type SessionsResponse struct {
	Sessions []types.SessionRecord `json:"sessions"`
}
