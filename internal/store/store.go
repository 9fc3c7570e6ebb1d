package store

import (
	"context"
	"time"

	"github.com/tradedesk/authserver/types"
)

// LookupField names an account column a login id may match.
type LookupField string

const (
	LookupEmail    LookupField = "email"
	LookupUsername LookupField = "username"
	LookupID       LookupField = "id"
)

// LookupCriterion is one arm of the disjunctive login lookup.
type LookupCriterion struct {
	Field LookupField
	Value string
	ID    int
}

// Matches reports whether acc satisfies the criterion.
func (c LookupCriterion) Matches(acc types.Account) bool {
	switch c.Field {
	case LookupEmail:
		return acc.Email == c.Value
	case LookupUsername:
		return acc.Username == c.Value
	case LookupID:
		return acc.ID == c.ID
	default:
		return false
	}
}

// SessionState is the session cache stored on the account row.
type SessionState struct {
	LoggedIn   bool
	LastActive *time.Time
	LastLogin  *time.Time
}

// SessionTx is a unit of work holding an exclusive lock on one account.
// All session mutations for the account go through it.
type SessionTx interface {
	// Account returns the account row as read when the lock was taken.
	Account() types.Account
	// OpenSession returns the open record, or ErrNotFound.
	OpenSession(ctx context.Context) (types.SessionRecord, error)
	// CloseSession persists a closed record. It only updates a record that is still open.
	CloseSession(ctx context.Context, rec types.SessionRecord) error
	// InsertSession appends a new open record and returns it with its id.
	InsertSession(ctx context.Context, rec types.SessionRecord) (types.SessionRecord, error)
	// SaveSessionState writes logged_in, last_active and last_login.
	SaveSessionState(ctx context.Context, state SessionState) error
	// DeleteAccount removes the locked account.
	DeleteAccount(ctx context.Context) error
}
