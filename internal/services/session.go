package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/store"
	"github.com/tradedesk/authserver/internal/token"
	"github.com/tradedesk/authserver/types"
)

// SessionStore is the audit trail plus the per-account lock.
type SessionStore interface {
	WithAccountLock(ctx context.Context, accountID int, fn func(ctx context.Context, tx store.SessionTx) error) error
	ListIdleAccounts(ctx context.Context, cutoff time.Time, limit int) ([]int, error)
	ListByAccount(ctx context.Context, accountID, limit int) ([]types.SessionRecord, error)
}

// DeviceLookup resolves device tokens to accounts.
type DeviceLookup interface {
	GetByDeviceToken(ctx context.Context, token string) (types.Account, error)
}

// SessionObserver is notified after a session change has been committed.
// Implementations must not block for long and cannot fail the request.
type SessionObserver interface {
	SessionOpened(ctx context.Context, rec types.SessionRecord)
	SessionClosed(ctx context.Context, rec types.SessionRecord)
}

// AuthContext is what a guarded request learns about its caller.
type AuthContext struct {
	AccountID int
	Role      types.Role
}

// LoginResult is returned by Login and DeviceLogin.
type LoginResult struct {
	Account          types.Account
	Session          types.SessionRecord
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LogoutResult describes the record closed by Logout.
type LogoutResult struct {
	ClosedAt        time.Time
	DurationSeconds float64
}

// RefreshResult carries a fresh access token.
type RefreshResult struct {
	AccessToken     string
	AccessExpiresAt time.Time
}

type SessionOption func(*SessionService)

// WithSessionClock overrides time.Now.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionService) { s.now = now }
}

// WithObservers registers observers for committed session changes.
func WithObservers(observers ...SessionObserver) SessionOption {
	return func(s *SessionService) { s.observers = append(s.observers, observers...) }
}

// SessionService issues, guards and closes sessions.
type SessionService struct {
	verifier    *CredentialVerifier
	devices     DeviceLookup
	sessions    SessionStore
	tokens      *token.Service
	idleTimeout time.Duration
	observers   []SessionObserver
	logger      *slog.Logger
	now         func() time.Time
}

func NewSessionService(
	verifier *CredentialVerifier,
	devices DeviceLookup,
	sessions SessionStore,
	tokens *token.Service,
	idleTimeout time.Duration,
	logger *slog.Logger,
	opts ...SessionOption,
) *SessionService {
	s := &SessionService{
		verifier:    verifier,
		devices:     devices,
		sessions:    sessions,
		tokens:      tokens,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IdleTimeout returns the inactivity window after which a session expires.
func (s *SessionService) IdleTimeout() time.Duration { return s.idleTimeout }

// TokenTTLs returns the lifetimes of issued access and refresh tokens.
func (s *SessionService) TokenTTLs() (access, refresh time.Duration) {
	return s.tokens.AccessTTL(), s.tokens.RefreshTTL()
}

// Precheck verifies credentials and returns the account without opening a session.
func (s *SessionService) Precheck(ctx context.Context, in CredentialInput) (types.Account, error) {
	return s.verifier.Verify(ctx, in)
}

// Login verifies credentials, evicts any open session and opens a new one.
func (s *SessionService) Login(ctx context.Context, in CredentialInput) (LoginResult, error) {
	acc, err := s.verifier.Verify(ctx, in)
	if err != nil {
		return LoginResult{}, err
	}
	return s.open(ctx, acc.ID, in.Method())
}

// DeviceLogin authenticates with a device token and then behaves like Login.
func (s *SessionService) DeviceLogin(ctx context.Context, deviceToken string) (LoginResult, error) {
	const op = "session.device_login"

	if deviceToken == "" {
		return LoginResult{}, apperr.Validation(op, "missing_fields", "device_token is required")
	}
	acc, err := s.devices.GetByDeviceToken(ctx, deviceToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, apperr.ErrInvalidDeviceToken.WithOp(op)
		}
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if !acc.Active {
		return LoginResult{}, apperr.ErrInactive.WithOp(op)
	}
	return s.open(ctx, acc.ID, types.LoginMethodDevice)
}

func (s *SessionService) open(ctx context.Context, accountID int, method types.LoginMethod) (LoginResult, error) {
	const op = "session.open"

	var (
		res    LoginResult
		closed []types.SessionRecord
	)
	err := s.sessions.WithAccountLock(ctx, accountID, func(ctx context.Context, tx store.SessionTx) error {
		if !tx.Account().Active {
			return apperr.ErrInactive.WithOp(op)
		}
		now := s.now().UTC()

		if s.isIdle(tx.Account(), now) {
			rec, ok, err := closeOpenSession(ctx, tx, now, types.CloseReasonIdle)
			if err != nil {
				return err
			}
			if ok {
				closed = append(closed, rec)
			}
		}

		rec, ok, err := enforceSingleSession(ctx, tx, now)
		if err != nil {
			return err
		}
		if ok {
			closed = append(closed, rec)
		}

		opened, err := tx.InsertSession(ctx, types.SessionRecord{Method: method, OpenedAt: now})
		if err != nil {
			return err
		}
		if err := tx.SaveSessionState(ctx, store.SessionState{LoggedIn: true, LastActive: &now, LastLogin: &now}); err != nil {
			return err
		}
		res.Session = opened
		res.Account = tx.Account()
		return nil
	})
	if err != nil {
		return LoginResult{}, lockError(op, err)
	}

	for _, rec := range closed {
		s.notifyClosed(ctx, rec)
	}
	s.notifyOpened(ctx, res.Session)

	res.AccessToken, res.AccessExpiresAt, err = s.tokens.IssueAccess(accountID, res.Session.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}
	res.RefreshToken, res.RefreshExpiresAt, err = s.tokens.IssueRefresh(accountID, res.Session.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Guard authorizes a request carrying an access token. The token must belong
// to the account's open session; tokens from evicted or closed sessions fail
// with NotLoggedIn. An idle session is closed and committed before
// SessionExpired is returned.
func (s *SessionService) Guard(ctx context.Context, accessToken string) (AuthContext, error) {
	const op = "session.guard"

	claims, err := s.tokens.Verify(accessToken, token.ClassAccess)
	if err != nil {
		return AuthContext{}, err
	}

	var (
		auth    AuthContext
		expired bool
		closed  types.SessionRecord
	)
	err = s.sessions.WithAccountLock(ctx, claims.SubjectID, func(ctx context.Context, tx store.SessionTx) error {
		acc := tx.Account()
		if !acc.LoggedIn {
			return apperr.ErrNotLoggedIn.WithOp(op)
		}
		open, err := tx.OpenSession(ctx)
		if errors.Is(err, store.ErrNotFound) || (err == nil && open.ID != claims.SessionID) {
			return apperr.ErrNotLoggedIn.WithOp(op)
		}
		if err != nil {
			return err
		}
		now := s.now().UTC()

		if s.isIdle(acc, now) {
			rec, err := closeSession(ctx, tx, open, now, types.CloseReasonIdle)
			if err != nil {
				return err
			}
			expired, closed = true, rec
			return nil
		}

		if err := tx.SaveSessionState(ctx, store.SessionState{LoggedIn: true, LastActive: &now, LastLogin: acc.LastLogin}); err != nil {
			return err
		}
		auth = AuthContext{AccountID: acc.ID, Role: acc.Role}
		return nil
	})
	if err != nil {
		return AuthContext{}, lockError(op, err)
	}

	if expired {
		s.notifyClosed(ctx, closed)
		return AuthContext{}, apperr.ErrSessionIdle.WithOp(op)
	}
	return auth, nil
}

// Logout closes the session the access token belongs to, regardless of idle
// state. A token whose session is already closed gets NoOpenSession.
func (s *SessionService) Logout(ctx context.Context, accessToken string) (LogoutResult, error) {
	const op = "session.logout"

	claims, err := s.tokens.Verify(accessToken, token.ClassAccess)
	if err != nil {
		return LogoutResult{}, err
	}

	var closed types.SessionRecord
	err = s.sessions.WithAccountLock(ctx, claims.SubjectID, func(ctx context.Context, tx store.SessionTx) error {
		open, err := tx.OpenSession(ctx)
		if errors.Is(err, store.ErrNotFound) || (err == nil && open.ID != claims.SessionID) {
			return apperr.ErrNoOpenSession.WithOp(op)
		}
		if err != nil {
			return err
		}
		closed, err = closeSession(ctx, tx, open, s.now().UTC(), types.CloseReasonLogout)
		return err
	})
	if err != nil {
		return LogoutResult{}, lockError(op, err)
	}

	s.notifyClosed(ctx, closed)
	return LogoutResult{ClosedAt: *closed.ClosedAt, DurationSeconds: *closed.DurationSeconds}, nil
}

// Refresh mints a new access token from a refresh token. Session state is untouched.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	claims, err := s.tokens.Verify(refreshToken, token.ClassRefresh)
	if err != nil {
		return RefreshResult{}, err
	}
	access, exp, err := s.tokens.IssueAccess(claims.SubjectID, claims.SessionID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("session.refresh: %w", err)
	}
	return RefreshResult{AccessToken: access, AccessExpiresAt: exp}, nil
}

// SweepIdle closes up to limit sessions whose accounts went idle, applying
// the same rule as Guard under each account's lock. It returns how many
// records were closed.
func (s *SessionService) SweepIdle(ctx context.Context, limit int) (int, error) {
	const op = "session.sweep"

	now := s.now().UTC()
	ids, err := s.sessions.ListIdleAccounts(ctx, now.Add(-s.idleTimeout), limit)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var (
			closed  types.SessionRecord
			hadOpen bool
		)
		err := s.sessions.WithAccountLock(ctx, id, func(ctx context.Context, tx store.SessionTx) error {
			if !tx.Account().LoggedIn || !s.isIdle(tx.Account(), now) {
				return nil
			}
			var err error
			closed, hadOpen, err = closeOpenSession(ctx, tx, now, types.CloseReasonIdle)
			return err
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.logger.Error("session.sweep_failed", "account_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if hadOpen {
			count++
			s.notifyClosed(ctx, closed)
		}
	}
	if len(errs) > 0 {
		return count, fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}
	return count, nil
}

func (s *SessionService) isIdle(acc types.Account, now time.Time) bool {
	return acc.LoggedIn && acc.LastActive != nil && now.Sub(*acc.LastActive) > s.idleTimeout
}

func (s *SessionService) notifyOpened(ctx context.Context, rec types.SessionRecord) {
	s.logger.Info("session.opened", "account_id", rec.AccountID, "session_id", rec.ID, "method", rec.Method)
	for _, o := range s.observers {
		o.SessionOpened(ctx, rec)
	}
}

func (s *SessionService) notifyClosed(ctx context.Context, rec types.SessionRecord) {
	notifyClosed(ctx, s.logger, s.observers, rec)
}

func notifyClosed(ctx context.Context, logger *slog.Logger, observers []SessionObserver, rec types.SessionRecord) {
	logger.Info("session.closed",
		"account_id", rec.AccountID,
		"session_id", rec.ID,
		"reason", rec.CloseReason,
		"duration_seconds", *rec.DurationSeconds,
	)
	for _, o := range observers {
		o.SessionClosed(ctx, rec)
	}
}

// enforceSingleSession evicts the open session, if any, before a new login.
func enforceSingleSession(ctx context.Context, tx store.SessionTx, now time.Time) (types.SessionRecord, bool, error) {
	return closeOpenSession(ctx, tx, now, types.CloseReasonEvicted)
}

// closeOpenSession closes the account's open record and clears logged_in.
// It reports false when there was no open record.
func closeOpenSession(ctx context.Context, tx store.SessionTx, now time.Time, reason types.CloseReason) (types.SessionRecord, bool, error) {
	acc := tx.Account()
	state := store.SessionState{LoggedIn: false, LastActive: acc.LastActive, LastLogin: acc.LastLogin}

	open, err := tx.OpenSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		if acc.LoggedIn {
			return types.SessionRecord{}, false, tx.SaveSessionState(ctx, state)
		}
		return types.SessionRecord{}, false, nil
	}
	if err != nil {
		return types.SessionRecord{}, false, err
	}

	closed, err := closeSession(ctx, tx, open, now, reason)
	if err != nil {
		return types.SessionRecord{}, false, err
	}
	return closed, true, nil
}

// closeSession closes open with the given reason and clears logged_in.
func closeSession(ctx context.Context, tx store.SessionTx, open types.SessionRecord, now time.Time, reason types.CloseReason) (types.SessionRecord, error) {
	acc := tx.Account()
	closed := open.Closed(now, reason)
	if err := tx.CloseSession(ctx, closed); err != nil {
		return types.SessionRecord{}, err
	}
	state := store.SessionState{LoggedIn: false, LastActive: acc.LastActive, LastLogin: acc.LastLogin}
	if err := tx.SaveSessionState(ctx, state); err != nil {
		return types.SessionRecord{}, err
	}
	return closed, nil
}

// lockError maps store errors from a locked unit of work. apperr values pass through.
func lockError(op string, err error) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperr.ErrAccountNotFound.WithOp(op)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
