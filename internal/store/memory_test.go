package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradedesk/authserver/types"
)

func seedAccount(t *testing.T, s *MemoryStore, username, email string) types.Account {
	t.Helper()
	acc, err := s.Create(context.Background(), types.Account{
		Username: username,
		Email:    email,
		Role:     types.RoleNormal,
		Active:   true,
	})
	require.NoError(t, err)
	return acc
}

func TestMemoryStore_CreateConflicts(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", "a@x.com")

	_, err := s.Create(context.Background(), types.Account{Username: "alice2", Email: "a@x.com"})
	var uv *UniqueViolationError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, "email", uv.Field)

	_, err = s.Create(context.Background(), types.Account{Username: "alice", Email: "other@x.com"})
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, "username", uv.Field)
}

func TestMemoryStore_FindByLogin(t *testing.T) {
	s := NewMemoryStore()
	alice := seedAccount(t, s, "alice", "a@x.com")
	numeric := seedAccount(t, s, "1", "one@x.com")

	got, err := s.FindByLogin(context.Background(), []LookupCriterion{
		{Field: LookupUsername, Value: "1"},
		{Field: LookupID, ID: 1},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, alice.ID, got[0].ID)
	assert.Equal(t, numeric.ID, got[1].ID)
}

func TestMemoryStore_WithAccountLock_CommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "alice", "a@x.com")
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	err := s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
		if _, err := tx.InsertSession(ctx, types.SessionRecord{Method: types.LoginMethodPassword, OpenedAt: now}); err != nil {
			return err
		}
		return tx.SaveSessionState(ctx, SessionState{LoggedIn: true, LastActive: &now, LastLogin: &now})
	})
	require.NoError(t, err)

	got, err := s.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.LoggedIn)
	require.NotNil(t, got.LastLogin)
	assert.Equal(t, now, *got.LastLogin)

	recs, err := s.ListByAccount(ctx, acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Open())
}

func TestMemoryStore_WithAccountLock_DiscardsOnError(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "alice", "a@x.com")
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
		if _, err := tx.InsertSession(ctx, types.SessionRecord{OpenedAt: now}); err != nil {
			return err
		}
		if err := tx.SaveSessionState(ctx, SessionState{LoggedIn: true, LastActive: &now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, got.LoggedIn)
	recs, err := s.ListByAccount(ctx, acc.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryStore_SingleOpenSession(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "alice", "a@x.com")
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	open := func(ctx context.Context, tx SessionTx) error {
		_, err := tx.InsertSession(ctx, types.SessionRecord{OpenedAt: now})
		return err
	}
	require.NoError(t, s.WithAccountLock(ctx, acc.ID, open))

	err := s.WithAccountLock(ctx, acc.ID, open)
	var uv *UniqueViolationError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, "open_session", uv.Field)

	// Closing first then opening is the eviction path.
	later := now.Add(time.Minute)
	err = s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
		rec, err := tx.OpenSession(ctx)
		if err != nil {
			return err
		}
		if err := tx.CloseSession(ctx, rec.Closed(later, types.CloseReasonEvicted)); err != nil {
			return err
		}
		_, err = tx.InsertSession(ctx, types.SessionRecord{OpenedAt: later})
		return err
	})
	require.NoError(t, err)

	recs, err := s.ListByAccount(ctx, acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Open())
	assert.Equal(t, types.CloseReasonEvicted, recs[1].CloseReason)
	assert.Equal(t, 60.0, *recs[1].DurationSeconds)
}

func TestMemoryStore_CloseSession_Twice(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "alice", "a@x.com")
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	var rec types.SessionRecord
	require.NoError(t, s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
		var err error
		rec, err = tx.InsertSession(ctx, types.SessionRecord{OpenedAt: now})
		return err
	}))

	err := s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
		closed := rec.Closed(now.Add(time.Second), types.CloseReasonLogout)
		if err := tx.CloseSession(ctx, closed); err != nil {
			return err
		}
		return tx.CloseSession(ctx, closed)
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteKeepsHistory(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "alice", "a@x.com")
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
		_, err := tx.InsertSession(ctx, types.SessionRecord{OpenedAt: now})
		return err
	}))
	require.NoError(t, s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
		rec, err := tx.OpenSession(ctx)
		if err != nil {
			return err
		}
		if err := tx.CloseSession(ctx, rec.Closed(now.Add(time.Hour), types.CloseReasonDeleted)); err != nil {
			return err
		}
		return tx.DeleteAccount(ctx)
	}))

	_, err := s.GetByID(ctx, acc.ID)
	require.ErrorIs(t, err, ErrNotFound)

	recs, err := s.ListClosedBetween(ctx, now, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.CloseReasonDeleted, recs[0].CloseReason)

	err = s.WithAccountLock(ctx, acc.ID, func(context.Context, SessionTx) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListIdleAccounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	for i, name := range []string{"a", "b", "c"} {
		acc := seedAccount(t, s, name, name+"@x.com")
		active := base.Add(time.Duration(i) * 10 * time.Minute)
		require.NoError(t, s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
			return tx.SaveSessionState(ctx, SessionState{LoggedIn: true, LastActive: &active})
		}))
	}

	ids, err := s.ListIdleAccounts(ctx, base.Add(15*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)

	ids, err = s.ListIdleAccounts(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)
}

func TestMemoryStore_LockSerializes(t *testing.T) {
	s := NewMemoryStore()
	acc := seedAccount(t, s, "alice", "a@x.com")
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithAccountLock(ctx, acc.ID, func(ctx context.Context, tx SessionTx) error {
				if rec, err := tx.OpenSession(ctx); err == nil {
					if err := tx.CloseSession(ctx, rec.Closed(now, types.CloseReasonEvicted)); err != nil {
						return err
					}
				}
				_, err := tx.InsertSession(ctx, types.SessionRecord{OpenedAt: now})
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := s.ListByAccount(ctx, acc.ID, 100)
	require.NoError(t, err)
	require.Len(t, recs, 8)
	open := 0
	for _, r := range recs {
		if r.Open() {
			open++
		}
	}
	assert.Equal(t, 1, open)
}
