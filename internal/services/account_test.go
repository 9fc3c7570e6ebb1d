package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/types"
)

func TestAccountService_RegisterValidation(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", "a@x.com", false)

	tests := []struct {
		name     string
		in       RegisterInput
		wantCode string
		status   int
	}{
		{name: "missing passcode", in: RegisterInput{Username: "u", Email: "u@x.com", Password: "secret1"}, wantCode: "missing_fields", status: 400},
		{name: "letters in passcode", in: RegisterInput{Username: "u", Email: "u@x.com", Password: "secret1", Passcode: "12a4"}, wantCode: "invalid_passcode", status: 400},
		{name: "short passcode", in: RegisterInput{Username: "u", Email: "u@x.com", Password: "secret1", Passcode: "123"}, wantCode: "invalid_passcode", status: 400},
		{name: "short password", in: RegisterInput{Username: "u", Email: "u@x.com", Password: "12345", Passcode: "1234"}, wantCode: "invalid_password", status: 400},
		{name: "duplicate username", in: RegisterInput{Username: "alice", Email: "new@x.com", Password: "secret1", Passcode: "1234"}, wantCode: "username_taken", status: 409},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.accounts.Register(context.Background(), tc.in)
			require.Error(t, err)
			code, _ := apperr.Public(err)
			assert.Equal(t, tc.wantCode, code)
			assert.Equal(t, tc.status, apperr.HTTPStatus(err))
		})
	}
}

func TestAccountService_Register_HashesSecrets(t *testing.T) {
	h := newHarness(t)
	acc := h.register(t, "alice", "a@x.com", false)

	stored, err := h.store.GetByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "secret1", stored.PasswordHash)
	assert.True(t, h.hasher.Compare(stored.PasswordHash, "secret1"))
	assert.True(t, h.hasher.Compare(stored.PasscodeHash, "1234"))
}

func TestAccountService_Update(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice", "a@x.com", false)
	h.register(t, "bob", "b@x.com", false)

	_, err := h.accounts.Update(ctx, alice.ID, AccountUpdate{})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	code, _ := apperr.Public(err)
	assert.Equal(t, "no_fields", code)

	bad := types.Role("root")
	_, err = h.accounts.Update(ctx, alice.ID, AccountUpdate{Role: &bad})
	code, _ = apperr.Public(err)
	assert.Equal(t, "invalid_role", code)

	taken := "b@x.com"
	_, err = h.accounts.Update(ctx, alice.ID, AccountUpdate{Email: &taken})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	admin := types.RoleAdmin
	on := true
	email := "alice@x.com"
	got, err := h.accounts.Update(ctx, alice.ID, AccountUpdate{Role: &admin, Active: &on, Email: &email})
	require.NoError(t, err)
	assert.True(t, got.IsAdmin())
	assert.True(t, got.Active)
	assert.Equal(t, "alice@x.com", got.Email)
	assert.Equal(t, "alice", got.Username)

	_, err = h.accounts.Update(ctx, 999, AccountUpdate{Active: &on})
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))
}

func TestAccountService_ResetCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.register(t, "alice", "a@x.com", true)

	err := h.accounts.ResetPassword(ctx, acc.ID, "short")
	assert.Equal(t, 400, apperr.HTTPStatus(err))
	err = h.accounts.ResetPasscode(ctx, acc.ID, "12345")
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	require.NoError(t, h.accounts.ResetPassword(ctx, acc.ID, "newsecret"))
	require.NoError(t, h.accounts.ResetPasscode(ctx, acc.ID, "4321"))

	_, err = h.sessions.Precheck(ctx, CredentialInput{LoginID: "alice", Password: "secret1"})
	assert.True(t, errors.Is(err, apperr.ErrBadCredential))
	_, err = h.sessions.Precheck(ctx, CredentialInput{LoginID: "alice", Password: "newsecret"})
	require.NoError(t, err)
	_, err = h.sessions.Precheck(ctx, CredentialInput{LoginID: "alice", Passcode: "4321"})
	require.NoError(t, err)

	err = h.accounts.ResetPassword(ctx, 999, "newsecret")
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))
}

func TestAccountService_List(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"a", "b", "c"} {
		h.register(t, name, name+"@x.com", false)
	}

	page, err := h.accounts.List(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Accounts, 1)
	assert.Equal(t, "c", page.Accounts[0].Username)

	page, err = h.accounts.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, defaultPageSize, page.Limit)
	assert.Len(t, page.Accounts, 3)
}

func TestAccountService_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := h.register(t, "alice", "a@x.com", true)
	login(t, h, "alice")

	require.NoError(t, h.accounts.Delete(ctx, acc.ID))

	_, err := h.accounts.Get(ctx, acc.ID)
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))

	history, err := h.accounts.History(ctx, acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.CloseReasonDeleted, history[0].CloseReason)

	require.Len(t, h.observer.closed, 1)
	assert.Equal(t, types.CloseReasonDeleted, h.observer.closed[0].CloseReason)

	err = h.accounts.Delete(ctx, acc.ID)
	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

func TestAccountService_SetDeviceToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice", "a@x.com", true)
	bob := h.register(t, "bob", "b@x.com", true)

	require.NoError(t, h.accounts.SetDeviceToken(ctx, alice.ID, "tok-1"))

	err := h.accounts.SetDeviceToken(ctx, bob.ID, "tok-1")
	assert.Equal(t, 409, apperr.HTTPStatus(err))
	code, _ := apperr.Public(err)
	assert.Equal(t, "device_token_taken", code)

	err = h.accounts.SetDeviceToken(ctx, bob.ID, "")
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	err = h.accounts.SetDeviceToken(ctx, 999, "tok-2")
	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

func TestAccountService_HistoryEmpty(t *testing.T) {
	h := newHarness(t)
	history, err := h.accounts.History(context.Background(), 42, 0)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}
