package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tradedesk/authserver/types"
)

// MemoryStore is a dev-only fallback used when no database is configured.
// It implements the account and session repositories with the same
// semantics as the Postgres ones; a per-account mutex stands in for the
// row lock, so it is only correct within a single process.
type MemoryStore struct {
	mu        sync.Mutex
	nextAccID int
	nextSesID int64
	accounts  map[int]types.Account
	sessions  []types.SessionRecord
	locks     map[int]*sync.Mutex
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int]types.Account),
		locks:    make(map[int]*sync.Mutex),
	}
}

func (s *MemoryStore) GetByID(ctx context.Context, id int) (types.Account, error) {
	if err := ctx.Err(); err != nil {
		return types.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return types.Account{}, ErrNotFound
	}
	return acc, nil
}

func (s *MemoryStore) GetByDeviceToken(ctx context.Context, token string) (types.Account, error) {
	if err := ctx.Err(); err != nil {
		return types.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if token != "" && acc.DeviceToken == token {
			return acc, nil
		}
	}
	return types.Account{}, ErrNotFound
}

func (s *MemoryStore) FindByLogin(ctx context.Context, criteria []LookupCriterion) ([]types.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Account
	for _, acc := range s.sortedAccounts() {
		for _, c := range criteria {
			if c.Matches(acc) {
				out = append(out, acc)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) FindConflict(ctx context.Context, email, username string, excludeID int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflictLocked(email, username, excludeID), nil
}

func (s *MemoryStore) Create(ctx context.Context, acc types.Account) (types.Account, error) {
	if err := ctx.Err(); err != nil {
		return types.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if field := s.conflictLocked(acc.Email, acc.Username, 0); field != "" {
		return types.Account{}, &UniqueViolationError{Field: field}
	}
	s.nextAccID++
	now := time.Now().UTC()
	acc.ID = s.nextAccID
	acc.LoggedIn = false
	acc.CreatedAt = now
	acc.UpdatedAt = now
	s.accounts[acc.ID] = acc
	return acc, nil
}

func (s *MemoryStore) List(ctx context.Context, offset, limit int) ([]types.Account, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedAccounts()
	total := len(all)
	if offset >= total {
		return []types.Account{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) Update(ctx context.Context, acc types.Account) (types.Account, error) {
	if err := ctx.Err(); err != nil {
		return types.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[acc.ID]
	if !ok {
		return types.Account{}, ErrNotFound
	}
	if field := s.conflictLocked(acc.Email, acc.Username, acc.ID); field != "" {
		return types.Account{}, &UniqueViolationError{Field: field}
	}
	cur.Username = acc.Username
	cur.Email = acc.Email
	cur.Role = acc.Role
	cur.Active = acc.Active
	cur.UpdatedAt = time.Now().UTC()
	s.accounts[acc.ID] = cur
	return cur, nil
}

func (s *MemoryStore) SetPasswordHash(ctx context.Context, id int, hash string) error {
	return s.mutate(ctx, id, func(acc *types.Account) error {
		acc.PasswordHash = hash
		return nil
	})
}

func (s *MemoryStore) SetPasscodeHash(ctx context.Context, id int, hash string) error {
	return s.mutate(ctx, id, func(acc *types.Account) error {
		acc.PasscodeHash = hash
		return nil
	})
}

func (s *MemoryStore) SetDeviceToken(ctx context.Context, id int, token string) error {
	return s.mutate(ctx, id, func(acc *types.Account) error {
		if token != "" {
			for otherID, other := range s.accounts {
				if otherID != id && other.DeviceToken == token {
					return &UniqueViolationError{Field: "device_token"}
				}
			}
		}
		acc.DeviceToken = token
		return nil
	})
}

// WithAccountLock runs fn holding the account's mutex. Changes made through
// the SessionTx are applied only when fn returns nil.
func (s *MemoryStore) WithAccountLock(ctx context.Context, accountID int, fn func(ctx context.Context, tx SessionTx) error) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acc, err := s.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	tx := &memSessionTx{store: s, account: acc, closes: make(map[int64]types.SessionRecord)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) ListIdleAccounts(ctx context.Context, cutoff time.Time, limit int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var idle []types.Account
	for _, acc := range s.accounts {
		if acc.LoggedIn && acc.LastActive != nil && acc.LastActive.Before(cutoff) {
			idle = append(idle, acc)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastActive.Before(*idle[j].LastActive) })
	ids := make([]int, 0, len(idle))
	for _, acc := range idle {
		if len(ids) == limit {
			break
		}
		ids = append(ids, acc.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID, limit int) ([]types.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SessionRecord
	for i := len(s.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.sessions[i].AccountID == accountID {
			out = append(out, s.sessions[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) ListClosedBetween(ctx context.Context, from, to time.Time) ([]types.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SessionRecord
	for _, rec := range s.sessions {
		if rec.ClosedAt != nil && !rec.ClosedAt.Before(from) && rec.ClosedAt.Before(to) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}

func (s *MemoryStore) accountLock(id int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *MemoryStore) mutate(ctx context.Context, id int, fn func(acc *types.Account) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&acc); err != nil {
		return err
	}
	acc.UpdatedAt = time.Now().UTC()
	s.accounts[id] = acc
	return nil
}

func (s *MemoryStore) conflictLocked(email, username string, excludeID int) string {
	for _, acc := range s.sortedAccounts() {
		if acc.ID == excludeID {
			continue
		}
		if email != "" && acc.Email == email {
			return "email"
		}
		if username != "" && acc.Username == username {
			return "username"
		}
	}
	return ""
}

func (s *MemoryStore) sortedAccounts() []types.Account {
	out := make([]types.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) commit(tx *memSessionTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tx.account.ID
	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}

	for i := range s.sessions {
		if closed, ok := tx.closes[s.sessions[i].ID]; ok {
			if !s.sessions[i].Open() {
				return errors.New("memory store: session already closed")
			}
			s.sessions[i] = closed
		}
	}
	for _, rec := range tx.inserts {
		if rec.Open() {
			for _, existing := range s.sessions {
				if existing.AccountID == id && existing.Open() {
					return &UniqueViolationError{Field: "open_session"}
				}
			}
		}
		s.sessions = append(s.sessions, rec)
	}

	if tx.deleted {
		delete(s.accounts, id)
		return nil
	}
	if tx.state != nil {
		acc := s.accounts[id]
		acc.LoggedIn = tx.state.LoggedIn
		acc.LastActive = tx.state.LastActive
		acc.LastLogin = tx.state.LastLogin
		s.accounts[id] = acc
	}
	return nil
}

type memSessionTx struct {
	store   *MemoryStore
	account types.Account
	closes  map[int64]types.SessionRecord
	inserts []types.SessionRecord
	state   *SessionState
	deleted bool
}

func (t *memSessionTx) Account() types.Account { return t.account }

func (t *memSessionTx) OpenSession(ctx context.Context) (types.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.SessionRecord{}, err
	}
	for _, rec := range t.inserts {
		if rec.Open() {
			return rec, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, rec := range t.store.sessions {
		if rec.AccountID != t.account.ID || !rec.Open() {
			continue
		}
		if _, closed := t.closes[rec.ID]; closed {
			continue
		}
		return rec, nil
	}
	return types.SessionRecord{}, ErrNotFound
}

func (t *memSessionTx) CloseSession(ctx context.Context, rec types.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ClosedAt == nil || rec.DurationSeconds == nil {
		return errors.New("close session: record is not closed")
	}
	for i := range t.inserts {
		if t.inserts[i].ID == rec.ID && t.inserts[i].Open() {
			t.inserts[i] = rec
			return nil
		}
	}
	if _, dup := t.closes[rec.ID]; dup {
		return ErrNotFound
	}
	open, err := t.OpenSession(ctx)
	if err != nil || open.ID != rec.ID {
		return ErrNotFound
	}
	t.closes[rec.ID] = rec
	return nil
}

func (t *memSessionTx) InsertSession(ctx context.Context, rec types.SessionRecord) (types.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.SessionRecord{}, err
	}
	if _, err := t.OpenSession(ctx); err == nil {
		return types.SessionRecord{}, &UniqueViolationError{Field: "open_session"}
	}
	t.store.mu.Lock()
	t.store.nextSesID++
	rec.ID = t.store.nextSesID
	t.store.mu.Unlock()
	rec.AccountID = t.account.ID
	t.inserts = append(t.inserts, rec)
	return rec, nil
}

func (t *memSessionTx) SaveSessionState(ctx context.Context, state SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.state = &state
	t.account.LoggedIn = state.LoggedIn
	t.account.LastActive = state.LastActive
	t.account.LastLogin = state.LastLogin
	return nil
}

func (t *memSessionTx) DeleteAccount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.deleted = true
	return nil
}
