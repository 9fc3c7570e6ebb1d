package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/services"
)

const maxBodyBytes = 1 << 20

type contextKey string

const contextAuthKey contextKey = "auth"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// MessageResponse acknowledges a state change that returns no resource.
type MessageResponse struct {
	Message string `json:"message"`
}

var errBadRequest = apperr.Validation("", "invalid_request", "invalid request body")

func withAuth(ctx context.Context, auth services.AuthContext) context.Context {
	return context.WithValue(ctx, contextAuthKey, auth)
}

func authFromContext(ctx context.Context) (services.AuthContext, bool) {
	auth, ok := ctx.Value(contextAuthKey).(services.AuthContext)
	if !ok || auth.AccountID < 1 {
		return services.AuthContext{}, false
	}
	return auth, true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if value == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, err error) {
	code, message := apperr.Public(err)
	writeJSON(w, apperr.HTTPStatus(err), ErrorResponse{Error: message, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBadRequest.Wrap(errors.New("empty body"))
		}
		return errBadRequest.Wrap(err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", apperr.ErrTokenInvalid
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", apperr.ErrTokenInvalid
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", apperr.ErrTokenInvalid
	}
	return token, nil
}

func parseAccountID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "accountID"))
	if err != nil || id < 1 {
		return 0, apperr.Validation("", "invalid_id", "invalid account id")
	}
	return id, nil
}

// queryInt reads a positive integer query parameter, returning def when it
// is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
