package types

import "time"

// SessionEventType names a session lifecycle transition.
type SessionEventType string

const (
	SessionEventOpened SessionEventType = "session.opened"
	SessionEventClosed SessionEventType = "session.closed"
)

// SessionEvent is published to the message queue after a session opens or closes.
type SessionEvent struct {
	ID              string           `json:"id"`
	Type            SessionEventType `json:"type"`
	AccountID       int              `json:"account_id"`
	SessionID       int64            `json:"session_id"`
	Method          LoginMethod      `json:"login_method,omitempty"`
	Reason          CloseReason      `json:"reason,omitempty"`
	At              time.Time        `json:"at"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty"`
}

// DeviceTokenUpdate is consumed from the message queue to bind a push token to an account.
type DeviceTokenUpdate struct {
	AccountID   int    `json:"account_id"`
	DeviceToken string `json:"device_token"`
}
