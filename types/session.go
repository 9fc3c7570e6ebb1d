package types

import (
	"math"
	"time"
)

// CloseReason records why a session record was closed.
type CloseReason string

const (
	CloseReasonLogout  CloseReason = "logout"
	CloseReasonEvicted CloseReason = "evicted"
	CloseReasonIdle    CloseReason = "idle"
	CloseReasonDeleted CloseReason = "deleted"
)

// LoginMethod records which credential opened a session.
type LoginMethod string

const (
	LoginMethodPassword LoginMethod = "password"
	LoginMethodPasscode LoginMethod = "passcode"
	LoginMethodDevice   LoginMethod = "device"
)

// SessionRecord is one audit trail entry spanning a login to its close.
type SessionRecord struct {
	// ID is the unique identifier of the record.
	ID int64 `json:"id" db:"id"`

	// AccountID identifies the account the session belongs to.
	AccountID int `json:"account_id" db:"account_id"`

	// Method is the credential used to open the session.
	Method LoginMethod `json:"login_method" db:"login_method"`

	// OpenedAt is when the login succeeded.
	OpenedAt time.Time `json:"opened_at" db:"opened_at"`

	// ClosedAt is nil while the session is open.
	ClosedAt *time.Time `json:"closed_at,omitempty" db:"closed_at"`

	// DurationSeconds is set together with ClosedAt.
	DurationSeconds *float64 `json:"duration_seconds,omitempty" db:"duration_seconds"`

	// CloseReason is set together with ClosedAt.
	CloseReason CloseReason `json:"close_reason,omitempty" db:"close_reason"`
}

// Open reports whether the record has not been closed yet.
func (s SessionRecord) Open() bool {
	return s.ClosedAt == nil
}

// Closed returns a copy of s closed at the given time.
func (s SessionRecord) Closed(at time.Time, reason CloseReason) SessionRecord {
	closedAt := at
	duration := SessionDuration(s.OpenedAt, at)
	s.ClosedAt = &closedAt
	s.DurationSeconds = &duration
	s.CloseReason = reason
	return s
}

// SessionDuration returns the elapsed seconds between open and close,
// rounded to milliseconds and never negative.
func SessionDuration(openedAt, closedAt time.Time) float64 {
	d := closedAt.Sub(openedAt).Seconds()
	if d < 0 {
		return 0
	}
	return math.Round(d*1000) / 1000
}
