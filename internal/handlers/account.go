package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/types"
)

// AccountHandler serves the elevated account management routes.
type AccountHandler struct {
	accounts *services.AccountService
	loc      *time.Location
}

// NewAccountHandler constructs an AccountHandler. A nil location means UTC.
func NewAccountHandler(accounts *services.AccountService, loc *time.Location) *AccountHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &AccountHandler{accounts: accounts, loc: loc}
}

// AccountRouter registers admin routes. Every route requires a live session
// held by an admin.
func AccountRouter(r chi.Router, handler *AccountHandler, requireSession func(http.Handler) http.Handler) {
	r.Use(requireSession, RequireRole(types.RoleAdmin))

	r.Get("/", handler.ListAccounts)
	r.Route("/{accountID}", func(r chi.Router) {
		r.Patch("/", handler.UpdateAccount)
		r.Delete("/", handler.DeleteAccount)
		r.Post("/reset-password", handler.ResetPassword)
		r.Post("/reset-passcode", handler.ResetPasscode)
		r.Get("/sessions", handler.Sessions)
	})
}

// ListAccounts returns one page of accounts ordered by id.
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	page, err := h.accounts.List(r.Context(), queryInt(r, "page", 1), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}

	profiles := make([]Profile, 0, len(page.Accounts))
	for _, acc := range page.Accounts {
		profiles = append(profiles, newProfile(acc, h.loc))
	}
	writeJSON(w, http.StatusOK, AccountListResponse{
		Accounts: profiles,
		Total:    page.Total,
		Page:     page.Page,
		Limit:    page.Limit,
	})
}

// UpdateAccount applies a partial update: activation, role, email or username.
func (h *AccountHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseAccountID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req UpdateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	acc, err := h.accounts.Update(r.Context(), id, services.AccountUpdate{
		Email:    req.Email,
		Username: req.Username,
		Active:   req.Active,
		Role:     req.Role,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfile(acc, h.loc))
}

// ResetPassword sets a new password for another account.
func (h *AccountHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	id, err := parseAccountID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req ResetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.accounts.ResetPassword(r.Context(), id, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "password updated"})
}

// ResetPasscode sets a new passcode for another account.
func (h *AccountHandler) ResetPasscode(w http.ResponseWriter, r *http.Request) {
	id, err := parseAccountID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req ResetPasscodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.accounts.ResetPasscode(r.Context(), id, req.NewPasscode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "passcode updated"})
}

// DeleteAccount removes an account, closing its open session first.
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseAccountID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.accounts.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// Sessions lists another account's session history.
func (h *AccountHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	id, err := parseAccountID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := h.accounts.History(r.Context(), id, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: recs})
}

type UpdateAccountRequest struct {
	Email    *string     `json:"email"`
	Username *string     `json:"username"`
	Active   *bool       `json:"active"`
	Role     *types.Role `json:"role"`
}

type AccountListResponse struct {
	Accounts []Profile `json:"accounts"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
}
