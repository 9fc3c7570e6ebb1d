package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tradedesk/authserver/internal/db"
	"github.com/tradedesk/authserver/types"
)

const sessionColumns = `id, account_id, login_method, opened_at, closed_at, duration_seconds, COALESCE(close_reason, '')`

// SessionRepository handles the audit trail and the per-account session lock.
type SessionRepository struct {
	db       *sql.DB
	accounts *AccountRepository
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db, accounts: NewAccountRepository(db)}
}

// WithAccountLock runs fn in a read-committed transaction holding the account
// row lock (SELECT ... FOR UPDATE). It returns ErrNotFound when the account
// does not exist. fn's error rolls the transaction back.
func (r *SessionRepository) WithAccountLock(ctx context.Context, accountID int, fn func(ctx context.Context, tx SessionTx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	return db.WithTx(ctx, r.db, opts, func(ctx context.Context, q db.DBTX) error {
		acc, err := r.accounts.getOne(ctx, q, `id = $1 FOR UPDATE`, accountID)
		if err != nil {
			return err
		}
		return fn(ctx, &pgSessionTx{q: q, account: acc})
	})
}

// ListIdleAccounts returns ids of logged-in accounts whose last activity is before cutoff.
func (r *SessionRepository) ListIdleAccounts(ctx context.Context, cutoff time.Time, limit int) ([]int, error) {
	const query = `
		SELECT id
		FROM accounts
		WHERE logged_in AND last_active IS NOT NULL AND last_active < $1
		ORDER BY last_active
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ids, nil
}

// ListByAccount returns the most recent records for an account, newest first.
func (r *SessionRepository) ListByAccount(ctx context.Context, accountID, limit int) ([]types.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE account_id = $1 ORDER BY opened_at DESC, id DESC LIMIT $2`
	return r.query(ctx, query, accountID, limit)
}

// ListClosedBetween returns records closed in [from, to), oldest first.
func (r *SessionRepository) ListClosedBetween(ctx context.Context, from, to time.Time) ([]types.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE closed_at >= $1 AND closed_at < $2 ORDER BY closed_at, id`
	return r.query(ctx, query, from, to)
}

func (r *SessionRepository) query(ctx context.Context, query string, args ...any) ([]types.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []types.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (types.SessionRecord, error) {
	var (
		rec      types.SessionRecord
		method   string
		reason   string
		closedAt sql.NullTime
		duration sql.NullFloat64
	)
	if err := row.Scan(&rec.ID, &rec.AccountID, &method, &rec.OpenedAt, &closedAt, &duration, &reason); err != nil {
		return types.SessionRecord{}, err
	}
	rec.OpenedAt = rec.OpenedAt.UTC()
	rec.Method = types.LoginMethod(method)
	rec.CloseReason = types.CloseReason(reason)
	rec.ClosedAt = nullTimePtr(closedAt)
	if duration.Valid {
		d := duration.Float64
		rec.DurationSeconds = &d
	}
	return rec, nil
}

type pgSessionTx struct {
	q       db.DBTX
	account types.Account
}

func (t *pgSessionTx) Account() types.Account { return t.account }

func (t *pgSessionTx) OpenSession(ctx context.Context) (types.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE account_id = $1 AND closed_at IS NULL`
	rec, err := scanSession(t.q.QueryRowContext(ctx, query, t.account.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.SessionRecord{}, ErrNotFound
		}
		return types.SessionRecord{}, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (t *pgSessionTx) CloseSession(ctx context.Context, rec types.SessionRecord) error {
	if rec.ClosedAt == nil || rec.DurationSeconds == nil {
		return errors.New("close session: record is not closed")
	}
	const query = `
		UPDATE sessions
		SET closed_at = $1,
			duration_seconds = $2,
			close_reason = $3
		WHERE id = $4 AND account_id = $5 AND closed_at IS NULL`
	result, err := t.q.ExecContext(ctx, query, *rec.ClosedAt, *rec.DurationSeconds, string(rec.CloseReason), rec.ID, t.account.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

func (t *pgSessionTx) InsertSession(ctx context.Context, rec types.SessionRecord) (types.SessionRecord, error) {
	rec.AccountID = t.account.ID
	const query = `
		INSERT INTO sessions (account_id, login_method, opened_at)
		VALUES ($1, $2, $3)
		RETURNING id`
	if err := t.q.QueryRowContext(ctx, query, rec.AccountID, string(rec.Method), rec.OpenedAt).Scan(&rec.ID); err != nil {
		return types.SessionRecord{}, classifyUnique(err)
	}
	return rec, nil
}

func (t *pgSessionTx) SaveSessionState(ctx context.Context, state SessionState) error {
	const query = `
		UPDATE accounts
		SET logged_in = $1,
			last_active = $2,
			last_login = $3
		WHERE id = $4`
	result, err := t.q.ExecContext(ctx, query, state.LoggedIn, timePtrArg(state.LastActive), timePtrArg(state.LastLogin), t.account.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	t.account.LoggedIn = state.LoggedIn
	t.account.LastActive = state.LastActive
	t.account.LastLogin = state.LastLogin
	return nil
}

func (t *pgSessionTx) DeleteAccount(ctx context.Context) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, t.account.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(result)
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
