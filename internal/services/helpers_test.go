package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tradedesk/authserver/internal/store"
	"github.com/tradedesk/authserver/internal/token"
	"github.com/tradedesk/authserver/types"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []types.SessionRecord
	closed []types.SessionRecord
}

func (o *recordingObserver) SessionOpened(_ context.Context, rec types.SessionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, rec)
}

func (o *recordingObserver) SessionClosed(_ context.Context, rec types.SessionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, rec)
}

type harness struct {
	store    *store.MemoryStore
	clock    *fakeClock
	tokens   *token.Service
	hasher   *BcryptHasher
	accounts *AccountService
	sessions *SessionService
	observer *recordingObserver
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    store.NewMemoryStore(),
		clock:    newFakeClock(),
		hasher:   NewBcryptHasher(bcrypt.MinCost),
		observer: &recordingObserver{},
	}
	tokens, err := token.NewService("test-secret", time.Hour, 30*24*time.Hour, token.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.tokens = tokens

	verifier, err := NewCredentialVerifier(h.store, h.hasher)
	require.NoError(t, err)

	logger := discardLogger()
	h.accounts = NewAccountService(h.store, h.store, h.hasher, logger, h.observer)
	h.accounts.now = h.clock.Now
	h.sessions = NewSessionService(verifier, h.store, h.store, tokens, 20*time.Minute, logger,
		WithSessionClock(h.clock.Now),
		WithObservers(h.observer),
	)
	return h
}

// register creates an account and optionally activates it.
func (h *harness) register(t *testing.T, username, email string, active bool) types.Account {
	t.Helper()
	acc, err := h.accounts.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    email,
		Password: "secret1",
		Passcode: "1234",
	})
	require.NoError(t, err)
	if active {
		on := true
		acc, err = h.accounts.Update(context.Background(), acc.ID, AccountUpdate{Active: &on})
		require.NoError(t, err)
	}
	return acc
}

// checkInvariants asserts logged_in mirrors the open record and that at most
// one record is open.
func (h *harness) checkInvariants(t *testing.T, accountID int) {
	t.Helper()
	ctx := context.Background()

	recs, err := h.store.ListByAccount(ctx, accountID, 1000)
	require.NoError(t, err)
	open := 0
	for _, r := range recs {
		if r.Open() {
			open++
			continue
		}
		require.NotNil(t, r.DurationSeconds)
		require.InDelta(t, r.ClosedAt.Sub(r.OpenedAt).Seconds(), *r.DurationSeconds, 0.001)
	}
	require.LessOrEqual(t, open, 1, "more than one open session")

	acc, err := h.store.GetByID(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, open == 1, acc.LoggedIn, "logged_in does not mirror the open record")
}
