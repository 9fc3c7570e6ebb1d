package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/store"
	"github.com/tradedesk/authserver/types"
)

const (
	minPasswordLength = 6
	passcodeLength    = 4

	defaultPageSize = 20
	maxPageSize     = 100
)

// AccountRepository defines persistence operations for accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id int) (types.Account, error)
	FindConflict(ctx context.Context, email, username string, excludeID int) (string, error)
	Create(ctx context.Context, acc types.Account) (types.Account, error)
	List(ctx context.Context, offset, limit int) ([]types.Account, int, error)
	Update(ctx context.Context, acc types.Account) (types.Account, error)
	SetPasswordHash(ctx context.Context, id int, hash string) error
	SetPasscodeHash(ctx context.Context, id int, hash string) error
	SetDeviceToken(ctx context.Context, id int, token string) error
}

// RegisterInput holds the fields required to create an account.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Passcode string
}

// AccountUpdate is a partial update; nil fields are left unchanged.
type AccountUpdate struct {
	Email    *string
	Username *string
	Active   *bool
	Role     *types.Role
}

func (u AccountUpdate) empty() bool {
	return u.Email == nil && u.Username == nil && u.Active == nil && u.Role == nil
}

// AccountPage is one page of the account listing.
type AccountPage struct {
	Accounts []types.Account
	Total    int
	Page     int
	Limit    int
}

// AccountService encapsulates account use-cases.
type AccountService struct {
	repo      AccountRepository
	sessions  SessionStore
	hasher    PasswordHasher
	observers []SessionObserver
	logger    *slog.Logger
	now       func() time.Time
}

func NewAccountService(repo AccountRepository, sessions SessionStore, hasher PasswordHasher, logger *slog.Logger, observers ...SessionObserver) *AccountService {
	return &AccountService{
		repo:      repo,
		sessions:  sessions,
		hasher:    hasher,
		observers: observers,
		logger:    logger,
		now:       time.Now,
	}
}

// Register creates an inactive account with the normal role.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (types.Account, error) {
	const op = "account.register"

	if in.Username == "" || in.Email == "" || in.Password == "" || in.Passcode == "" {
		return types.Account{}, apperr.Validation(op, "missing_fields", "all fields are required")
	}
	if err := validatePasscode(op, in.Passcode); err != nil {
		return types.Account{}, err
	}
	if err := validatePassword(op, in.Password); err != nil {
		return types.Account{}, err
	}

	field, err := s.repo.FindConflict(ctx, in.Email, in.Username, 0)
	if err != nil {
		return types.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	if field != "" {
		return types.Account{}, apperr.Conflict(op, field)
	}

	passwordHash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return types.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	passcodeHash, err := s.hasher.Hash(in.Passcode)
	if err != nil {
		return types.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	acc, err := s.repo.Create(ctx, types.Account{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: passwordHash,
		PasscodeHash: passcodeHash,
		Role:         types.RoleNormal,
		Active:       false,
	})
	if err != nil {
		return types.Account{}, repoError(op, err)
	}
	s.logger.Info("account.registered", "account_id", acc.ID)
	return acc, nil
}

func (s *AccountService) Get(ctx context.Context, id int) (types.Account, error) {
	acc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.Account{}, repoError("account.get", err)
	}
	return acc, nil
}

// List returns a page of accounts ordered by id. Page numbers start at 1.
func (s *AccountService) List(ctx context.Context, page, limit int) (AccountPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	accounts, total, err := s.repo.List(ctx, (page-1)*limit, limit)
	if err != nil {
		return AccountPage{}, fmt.Errorf("account.list: %w", err)
	}
	return AccountPage{Accounts: accounts, Total: total, Page: page, Limit: limit}, nil
}

// Update applies an elevated partial update.
func (s *AccountService) Update(ctx context.Context, id int, upd AccountUpdate) (types.Account, error) {
	const op = "account.update"

	if upd.empty() {
		return types.Account{}, apperr.Validation(op, "no_fields", "no valid fields to update")
	}
	if upd.Role != nil && !upd.Role.Valid() {
		return types.Account{}, apperr.Validation(op, "invalid_role", "role must be normal or admin")
	}
	if (upd.Email != nil && *upd.Email == "") || (upd.Username != nil && *upd.Username == "") {
		return types.Account{}, apperr.Validation(op, "missing_fields", "email and username cannot be empty")
	}

	acc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.Account{}, repoError(op, err)
	}
	if upd.Email != nil {
		acc.Email = *upd.Email
	}
	if upd.Username != nil {
		acc.Username = *upd.Username
	}
	if upd.Active != nil {
		acc.Active = *upd.Active
	}
	if upd.Role != nil {
		acc.Role = *upd.Role
	}

	field, err := s.repo.FindConflict(ctx, acc.Email, acc.Username, id)
	if err != nil {
		return types.Account{}, fmt.Errorf("%s: %w", op, err)
	}
	if field != "" {
		return types.Account{}, apperr.Conflict(op, field)
	}

	updated, err := s.repo.Update(ctx, acc)
	if err != nil {
		return types.Account{}, repoError(op, err)
	}
	s.logger.Info("account.updated", "account_id", id, "active", updated.Active, "role", updated.Role)
	return updated, nil
}

func (s *AccountService) ResetPassword(ctx context.Context, id int, password string) error {
	const op = "account.reset_password"

	if err := validatePassword(op, password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.repo.SetPasswordHash(ctx, id, hash); err != nil {
		return repoError(op, err)
	}
	s.logger.Info("account.password_reset", "account_id", id)
	return nil
}

func (s *AccountService) ResetPasscode(ctx context.Context, id int, passcode string) error {
	const op = "account.reset_passcode"

	if err := validatePasscode(op, passcode); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(passcode)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.repo.SetPasscodeHash(ctx, id, hash); err != nil {
		return repoError(op, err)
	}
	s.logger.Info("account.passcode_reset", "account_id", id)
	return nil
}

// SetDeviceToken stores the device token used by device login.
func (s *AccountService) SetDeviceToken(ctx context.Context, id int, token string) error {
	const op = "account.set_device_token"

	if token == "" {
		return apperr.Validation(op, "missing_fields", "device_token is required")
	}
	if err := s.repo.SetDeviceToken(ctx, id, token); err != nil {
		return repoError(op, err)
	}
	return nil
}

// Delete closes the account's open session and removes the account. The
// session history is kept.
func (s *AccountService) Delete(ctx context.Context, id int) error {
	const op = "account.delete"

	var (
		closed  types.SessionRecord
		hadOpen bool
	)
	err := s.sessions.WithAccountLock(ctx, id, func(ctx context.Context, tx store.SessionTx) error {
		var err error
		closed, hadOpen, err = closeOpenSession(ctx, tx, s.now().UTC(), types.CloseReasonDeleted)
		if err != nil {
			return err
		}
		return tx.DeleteAccount(ctx)
	})
	if err != nil {
		return lockError(op, err)
	}

	if hadOpen {
		notifyClosed(ctx, s.logger, s.observers, closed)
	}
	s.logger.Info("account.deleted", "account_id", id)
	return nil
}

// History returns the most recent session records, newest first. It works
// for deleted accounts too.
func (s *AccountService) History(ctx context.Context, id, limit int) ([]types.SessionRecord, error) {
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	recs, err := s.sessions.ListByAccount(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("account.history: %w", err)
	}
	if recs == nil {
		recs = []types.SessionRecord{}
	}
	return recs, nil
}

func validatePassword(op, password string) error {
	if len(password) < minPasswordLength {
		return apperr.Validation(op, "invalid_password", fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	return nil
}

func validatePasscode(op, passcode string) error {
	if len(passcode) != passcodeLength {
		return apperr.Validation(op, "invalid_passcode", "passcode must be a 4-digit number")
	}
	for i := 0; i < len(passcode); i++ {
		if passcode[i] < '0' || passcode[i] > '9' {
			return apperr.Validation(op, "invalid_passcode", "passcode must be a 4-digit number")
		}
	}
	return nil
}

// repoError maps repository errors to apperr values.
func repoError(op string, err error) error {
	var uv *store.UniqueViolationError
	switch {
	case errors.As(err, &uv):
		return apperr.Conflict(op, uv.Field).Wrap(err)
	case errors.Is(err, store.ErrNotFound):
		return apperr.ErrAccountNotFound.WithOp(op)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
