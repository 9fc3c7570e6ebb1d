package store

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

const pgUniqueViolation = "23505"

// UniqueViolationError reports a duplicate value for a logical field
// ("email", "username", "device_token", "open_session").
type UniqueViolationError struct {
	Field string
	Err   error
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("duplicate %s", e.Field)
}

func (e *UniqueViolationError) Unwrap() error { return e.Err }

var constraintFields = map[string]string{
	"accounts_email_key":            "email",
	"accounts_username_key":         "username",
	"accounts_device_token_key":     "device_token",
	"sessions_one_open_per_account": "open_session",
}

// classifyUnique converts a Postgres unique violation into a UniqueViolationError.
// Other errors are returned unchanged.
func classifyUnique(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != pgUniqueViolation {
		return err
	}
	field, ok := constraintFields[pqErr.Constraint]
	if !ok {
		field = pqErr.Constraint
	}
	return &UniqueViolationError{Field: field, Err: err}
}
