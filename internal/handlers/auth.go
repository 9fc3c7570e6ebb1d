package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/metrics"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/types"
)

// AuthHandler provides registration, login and token endpoints.
type AuthHandler struct {
	sessions *services.SessionService
	accounts *services.AccountService
	metrics  *metrics.Collector
	loc      *time.Location
}

// NewAuthHandler constructs an AuthHandler. metrics may be nil.
func NewAuthHandler(sessions *services.SessionService, accounts *services.AccountService, m *metrics.Collector, loc *time.Location) *AuthHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &AuthHandler{
		sessions: sessions,
		accounts: accounts,
		metrics:  m,
		loc:      loc,
	}
}

// AuthRouter registers the public auth routes. Credential endpoints are
// throttled by limiter when it is non-nil.
func AuthRouter(r chi.Router, handler *AuthHandler, limiter *LoginLimiter) {
	r.Post("/register", handler.Register)
	r.Post("/logout", handler.Logout)
	r.Post("/refresh", handler.Refresh)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/login", handler.Login)
		r.Post("/device_login", handler.DeviceLogin)
		r.Post("/precheck", handler.Precheck)
	})
}

// Register creates an inactive account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	acc, err := h.accounts.Register(r.Context(), services.RegisterInput{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
		Passcode: req.Passcode,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{
		Message: "registration successful, awaiting activation",
		ID:      acc.ID,
	})
}

// Login verifies credentials and opens a session, evicting any other.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	in := req.input()
	res, err := h.sessions.Login(r.Context(), in)
	h.metrics.LoginAttempt(in.Method(), outcome(err))
	if err != nil {
		writeError(w, maskUnknownAccount(err))
		return
	}
	writeJSON(w, http.StatusOK, h.loginResponse(res))
}

// DeviceLogin opens a session for the account owning a device token.
func (h *AuthHandler) DeviceLogin(w http.ResponseWriter, r *http.Request) {
	var req DeviceLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.sessions.DeviceLogin(r.Context(), strings.TrimSpace(req.DeviceToken))
	h.metrics.LoginAttempt(types.LoginMethodDevice, outcome(err))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.loginResponse(res))
}

// Precheck verifies credentials and returns the profile without logging in.
func (h *AuthHandler) Precheck(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	acc, err := h.sessions.Precheck(r.Context(), req.input())
	if err != nil {
		writeError(w, maskUnknownAccount(err))
		return
	}
	writeJSON(w, http.StatusOK, PrecheckResponse{Profile: newProfile(acc, h.loc)})
}

// Logout closes the session the bearer token belongs to.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	tokenString, err := bearerToken(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.sessions.Logout(r.Context(), tokenString)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LogoutResponse{
		ClosedAt:        res.ClosedAt.In(h.loc).Format(displayLayout),
		DurationSeconds: res.DurationSeconds,
	})
}

// Refresh exchanges a refresh token for a new access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	tokenString, err := bearerToken(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.sessions.Refresh(r.Context(), tokenString)
	if err != nil {
		writeError(w, err)
		return
	}
	accessTTL, _ := h.sessions.TokenTTLs()
	writeJSON(w, http.StatusOK, RefreshResponse{
		AccessToken:      res.AccessToken,
		AccessTTLSeconds: int(accessTTL / time.Second),
	})
}

func (h *AuthHandler) loginResponse(res services.LoginResult) LoginResponse {
	accessTTL, refreshTTL := h.sessions.TokenTTLs()
	return LoginResponse{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		AccessTTLSeconds: int(accessTTL / time.Second),
		RefreshTTLDays:   int(refreshTTL / (24 * time.Hour)),
		Profile:          newProfile(res.Account, h.loc),
	}
}

// maskUnknownAccount hides whether a login id exists.
func maskUnknownAccount(err error) error {
	if errors.Is(err, apperr.ErrAccountNotFound) {
		return apperr.ErrBadCredential
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	code, _ := apperr.Public(err)
	return code
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Passcode string `json:"passcode"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	ID      int    `json:"id"`
}

type LoginRequest struct {
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
	Passcode string `json:"passcode"`
}

func (req LoginRequest) input() services.CredentialInput {
	return services.CredentialInput{
		LoginID:  req.LoginID,
		Password: req.Password,
		Passcode: req.Passcode,
	}
}

type DeviceLoginRequest struct {
	DeviceToken string `json:"device_token"`
}

type LoginResponse struct {
	AccessToken      string  `json:"access_token"`
	RefreshToken     string  `json:"refresh_token"`
	AccessTTLSeconds int     `json:"access_ttl_seconds"`
	RefreshTTLDays   int     `json:"refresh_ttl_days"`
	Profile          Profile `json:"profile"`
}

type PrecheckResponse struct {
	Profile Profile `json:"profile"`
}

type LogoutResponse struct {
	ClosedAt        string  `json:"closed_at"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type RefreshResponse struct {
	AccessToken      string `json:"access_token"`
	AccessTTLSeconds int    `json:"access_ttl_seconds"`
}
