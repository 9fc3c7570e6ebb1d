package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradedesk/authserver/internal/metrics"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/internal/store"
	"github.com/tradedesk/authserver/internal/token"
	"github.com/tradedesk/authserver/types"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testAPI struct {
	router   http.Handler
	store    *store.MemoryStore
	accounts *services.AccountService
	clock    *testClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	clock := &testClock{t: time.Now().UTC()}
	mem := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hasher := services.NewBcryptHasher(bcrypt.MinCost)

	tokens, err := token.NewService("handler-secret", time.Hour, 30*24*time.Hour, token.WithClock(clock.Now))
	require.NoError(t, err)
	verifier, err := services.NewCredentialVerifier(mem, hasher)
	require.NoError(t, err)

	collector := metrics.New()
	accounts := services.NewAccountService(mem, mem, hasher, logger, collector)
	sessions := services.NewSessionService(verifier, mem, mem, tokens, 20*time.Minute, logger,
		services.WithSessionClock(clock.Now),
		services.WithObservers(collector),
	)

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	requireSession := RequireSession(sessions, collector)
	r := chi.NewRouter()
	AuthRouter(r, NewAuthHandler(sessions, accounts, collector, loc), nil)
	ProfileRouter(r, NewProfileHandler(accounts, loc), requireSession)
	r.Route("/accounts", func(r chi.Router) {
		AccountRouter(r, NewAccountHandler(accounts, loc), requireSession)
	})

	return &testAPI{router: r, store: mem, accounts: accounts, clock: clock}
}

func (a *testAPI) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// seed registers an account and applies activation and role directly.
func (a *testAPI) seed(t *testing.T, username string, active bool, role types.Role) int {
	t.Helper()
	ctx := context.Background()

	acc, err := a.accounts.Register(ctx, services.RegisterInput{
		Username: username,
		Email:    username + "@desk.example",
		Password: "secret1",
		Passcode: "1234",
	})
	require.NoError(t, err)
	_, err = a.accounts.Update(ctx, acc.ID, services.AccountUpdate{Active: &active, Role: &role})
	require.NoError(t, err)
	return acc.ID
}

func (a *testAPI) login(t *testing.T, loginID string) LoginResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/login", "", LoginRequest{LoginID: loginID, Password: "secret1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestRegister(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/register", "", RegisterRequest{
		Username: "  asha ",
		Email:    "asha@desk.example",
		Password: "secret1",
		Passcode: "1234",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Positive(t, resp.ID)

	acc, err := api.store.GetByID(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "asha", acc.Username)
	assert.False(t, acc.Active)
	assert.Equal(t, types.RoleNormal, acc.Role)

	rec = api.do(t, http.MethodPost, "/register", "", RegisterRequest{
		Username: "asha",
		Email:    "asha@desk.example",
		Password: "secret1",
		Passcode: "1234",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/register", "", RegisterRequest{
		Username: "bala",
		Email:    "bala@desk.example",
		Password: "secret1",
		Passcode: "12a4",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_passcode", decodeError(t, rec).Code)
}

func TestRegister_MalformedBody(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Code)
}

func TestLogin_Outcomes(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "active", true, types.RoleNormal)
	api.seed(t, "dormant", false, types.RoleNormal)

	tests := []struct {
		name     string
		req      LoginRequest
		wantCode int
		wantErr  string
	}{
		{name: "unknown id is masked", req: LoginRequest{LoginID: "ghost", Password: "secret1"}, wantCode: http.StatusUnauthorized, wantErr: "bad_credential"},
		{name: "wrong password", req: LoginRequest{LoginID: "active", Password: "nope"}, wantCode: http.StatusUnauthorized, wantErr: "bad_credential"},
		{name: "inactive", req: LoginRequest{LoginID: "dormant", Password: "secret1"}, wantCode: http.StatusForbidden, wantErr: "account_inactive"},
		{name: "missing secret", req: LoginRequest{LoginID: "active"}, wantCode: http.StatusBadRequest, wantErr: "missing_credentials"},
		{name: "passcode by email", req: LoginRequest{LoginID: "active@desk.example", Passcode: "1234"}, wantCode: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/login", "", tc.req)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
			if tc.wantErr != "" {
				assert.Equal(t, tc.wantErr, decodeError(t, rec).Code)
			}
		})
	}
}

func TestLogin_ResponseShape(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)

	resp := api.login(t, "asha")

	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, 3600, resp.AccessTTLSeconds)
	assert.Equal(t, 30, resp.RefreshTTLDays)
	assert.Equal(t, "asha", resp.Profile.Username)
	assert.True(t, resp.Profile.LoggedIn)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, resp.Profile.LastLogin)
}

func TestGuardedRoutes_Eviction(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)

	first := api.login(t, "asha")
	rec := api.do(t, http.MethodGet, "/profile", first.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	second := api.login(t, "asha")

	rec = api.do(t, http.MethodGet, "/profile", first.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not_logged_in", decodeError(t, rec).Code)

	rec = api.do(t, http.MethodGet, "/profile", second.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardedRoutes_IdleExpiry(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)
	resp := api.login(t, "asha")

	api.clock.Advance(21 * time.Minute)

	rec := api.do(t, http.MethodGet, "/profile", resp.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_expired", decodeError(t, rec).Code)

	rec = api.do(t, http.MethodGet, "/profile", resp.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "not_logged_in", decodeError(t, rec).Code)
}

func TestGuardedRoutes_MissingToken(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token_invalid", decodeError(t, rec).Code)
}

func TestLogout(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)
	resp := api.login(t, "asha")

	api.clock.Advance(90 * time.Second)

	rec := api.do(t, http.MethodPost, "/logout", resp.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out LogoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.InDelta(t, 90, out.DurationSeconds, 0.001)
	assert.NotEmpty(t, out.ClosedAt)

	rec = api.do(t, http.MethodPost, "/logout", resp.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_open_session", decodeError(t, rec).Code)
}

func TestRefresh(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)
	resp := api.login(t, "asha")

	rec := api.do(t, http.MethodPost, "/refresh", resp.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	api.clock.Advance(time.Minute)
	rec = api.do(t, http.MethodPost, "/refresh", resp.RefreshToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out RefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 3600, out.AccessTTLSeconds)

	rec = api.do(t, http.MethodGet, "/profile", out.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPrecheck_DoesNotOpenSession(t *testing.T) {
	api := newTestAPI(t)
	id := api.seed(t, "asha", true, types.RoleNormal)

	rec := api.do(t, http.MethodPost, "/precheck", "", LoginRequest{LoginID: "asha", Password: "secret1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out PrecheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, id, out.Profile.ID)

	acc, err := api.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, acc.LoggedIn)

	rec = api.do(t, http.MethodPost, "/precheck", "", LoginRequest{LoginID: "ghost", Password: "secret1"})
	assert.Equal(t, "bad_credential", decodeError(t, rec).Code)
}

func TestDeviceLogin(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)
	resp := api.login(t, "asha")

	rec := api.do(t, http.MethodPut, "/device-token", resp.AccessToken, DeviceTokenRequest{DeviceToken: "push-abc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/device_login", "", DeviceLoginRequest{DeviceToken: "push-zzz"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_device_token", decodeError(t, rec).Code)

	rec = api.do(t, http.MethodPost, "/device_login", "", DeviceLoginRequest{DeviceToken: "push-abc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/profile", resp.AccessToken, nil)
	assert.Equal(t, "not_logged_in", decodeError(t, rec).Code)
}

func TestSelfService(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)
	resp := api.login(t, "asha")

	rec := api.do(t, http.MethodPost, "/reset-password", resp.AccessToken, ResetPasswordRequest{NewPassword: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/reset-password", resp.AccessToken, ResetPasswordRequest{NewPassword: "longer-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/reset-passcode", resp.AccessToken, ResetPasscodeRequest{NewPasscode: "9876"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/sessions?limit=5", resp.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Sessions, 1)
	assert.True(t, out.Sessions[0].Open())

	rec = api.do(t, http.MethodPost, "/login", "", LoginRequest{LoginID: "asha", Passcode: "9876"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccounts_RequireAdmin(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "asha", true, types.RoleNormal)
	resp := api.login(t, "asha")

	rec := api.do(t, http.MethodGet, "/accounts", resp.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_role", decodeError(t, rec).Code)
}

func TestAccounts_AdminFlow(t *testing.T) {
	api := newTestAPI(t)
	api.seed(t, "root", true, types.RoleAdmin)
	traderID := api.seed(t, "trader", false, types.RoleNormal)
	admin := api.login(t, "root")

	rec := api.do(t, http.MethodGet, "/accounts?page=1&limit=1", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list AccountListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Accounts, 1)

	active := true
	rec = api.do(t, http.MethodPatch, "/accounts/"+strconv.Itoa(traderID), admin.AccessToken, UpdateAccountRequest{Active: &active})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var profile Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.True(t, profile.Active)

	rec = api.do(t, http.MethodPatch, "/accounts/"+strconv.Itoa(traderID), admin.AccessToken, UpdateAccountRequest{})
	assert.Equal(t, "no_fields", decodeError(t, rec).Code)

	api.login(t, "trader")

	rec = api.do(t, http.MethodPost, "/accounts/"+strconv.Itoa(traderID)+"/reset-passcode", admin.AccessToken, ResetPasscodeRequest{NewPasscode: "4321"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodDelete, "/accounts/"+strconv.Itoa(traderID), admin.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/accounts/"+strconv.Itoa(traderID)+"/sessions", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Sessions, 1)
	assert.Equal(t, types.CloseReasonDeleted, hist.Sessions[0].CloseReason)

	rec = api.do(t, http.MethodDelete, "/accounts/"+strconv.Itoa(traderID), admin.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodDelete, "/accounts/abc", admin.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
