package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradedesk/authserver/internal/db"
	"github.com/tradedesk/authserver/types"
)

const accountColumns = `id, username, email, password_hash, passcode_hash, COALESCE(device_token, ''),
		role, active, logged_in, last_active, last_login, created_at, updated_at`

// AccountRepository handles persistence for accounts.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (types.Account, error) {
	var (
		acc        types.Account
		role       string
		lastActive sql.NullTime
		lastLogin  sql.NullTime
	)
	err := row.Scan(
		&acc.ID,
		&acc.Username,
		&acc.Email,
		&acc.PasswordHash,
		&acc.PasscodeHash,
		&acc.DeviceToken,
		&role,
		&acc.Active,
		&acc.LoggedIn,
		&lastActive,
		&lastLogin,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		return types.Account{}, err
	}
	acc.Role = types.Role(role)
	acc.LastActive = nullTimePtr(lastActive)
	acc.LastLogin = nullTimePtr(lastLogin)
	return acc, nil
}

func (r *AccountRepository) getOne(ctx context.Context, q db.DBTX, where string, args ...any) (types.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + where
	acc, err := scanAccount(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, fmt.Errorf("db error: %w", err)
	}
	return acc, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int) (types.Account, error) {
	return r.getOne(ctx, r.db, `id = $1`, id)
}

func (r *AccountRepository) GetByDeviceToken(ctx context.Context, token string) (types.Account, error) {
	return r.getOne(ctx, r.db, `device_token = $1`, token)
}

// FindByLogin runs the criteria as one disjunctive query and returns every matching account.
func (r *AccountRepository) FindByLogin(ctx context.Context, criteria []LookupCriterion) ([]types.Account, error) {
	if len(criteria) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(criteria))
	args := make([]any, 0, len(criteria))
	for _, c := range criteria {
		args = append(args, criterionArg(c))
		clauses = append(clauses, fmt.Sprintf("%s = $%d", c.Field, len(args)))
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + strings.Join(clauses, " OR ") + ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// FindConflict reports which unique field ("email" or "username") is already
// taken by an account other than excludeID, or "" when neither is.
func (r *AccountRepository) FindConflict(ctx context.Context, email, username string, excludeID int) (string, error) {
	const query = `
		SELECT email, username
		FROM accounts
		WHERE (email = $1 OR username = $2) AND id <> $3
		LIMIT 1`
	var gotEmail, gotUsername string
	err := r.db.QueryRowContext(ctx, query, email, username, excludeID).Scan(&gotEmail, &gotUsername)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	if email != "" && gotEmail == email {
		return "email", nil
	}
	return "username", nil
}

func (r *AccountRepository) Create(ctx context.Context, acc types.Account) (types.Account, error) {
	now := time.Now().UTC()
	acc.CreatedAt = now
	acc.UpdatedAt = now

	const query = `
		INSERT INTO accounts (username, email, password_hash, passcode_hash, role, active, logged_in, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		acc.Username,
		acc.Email,
		acc.PasswordHash,
		acc.PasscodeHash,
		string(acc.Role),
		acc.Active,
		acc.CreatedAt,
		acc.UpdatedAt,
	).Scan(&acc.ID); err != nil {
		return types.Account{}, classifyUnique(err)
	}
	acc.LoggedIn = false
	return acc, nil
}

func (r *AccountRepository) List(ctx context.Context, offset, limit int) ([]types.Account, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	items := make([]types.Account, 0, limit)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("db error: %w", err)
		}
		items = append(items, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	return items, total, nil
}

// Update writes the administrable profile fields: username, email, role and active.
func (r *AccountRepository) Update(ctx context.Context, acc types.Account) (types.Account, error) {
	acc.UpdatedAt = time.Now().UTC()

	const query = `
		UPDATE accounts
		SET username = $1,
			email = $2,
			role = $3,
			active = $4,
			updated_at = $5
		WHERE id = $6`
	result, err := r.db.ExecContext(
		ctx,
		query,
		acc.Username,
		acc.Email,
		string(acc.Role),
		acc.Active,
		acc.UpdatedAt,
		acc.ID,
	)
	if err != nil {
		return types.Account{}, classifyUnique(err)
	}
	if err := expectOneRow(result); err != nil {
		return types.Account{}, err
	}
	return acc, nil
}

func (r *AccountRepository) SetPasswordHash(ctx context.Context, id int, hash string) error {
	return r.setColumn(ctx, "password_hash", id, hash)
}

func (r *AccountRepository) SetPasscodeHash(ctx context.Context, id int, hash string) error {
	return r.setColumn(ctx, "passcode_hash", id, hash)
}

// SetDeviceToken binds token to the account. An empty token clears it.
func (r *AccountRepository) SetDeviceToken(ctx context.Context, id int, token string) error {
	var value any
	if token != "" {
		value = token
	}
	return r.setColumn(ctx, "device_token", id, value)
}

// setColumn is only called with the fixed column names above.
func (r *AccountRepository) setColumn(ctx context.Context, column string, id int, value any) error {
	query := `UPDATE accounts SET ` + column + ` = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, value, time.Now().UTC(), id)
	if err != nil {
		return classifyUnique(err)
	}
	return expectOneRow(result)
}

func criterionArg(c LookupCriterion) any {
	if c.Field == LookupID {
		return c.ID
	}
	return c.Value
}

func expectOneRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
