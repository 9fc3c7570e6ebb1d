package types

import "time"

// Role is an account's authorization level.
type Role string

const (
	// RoleNormal is the standard role every registered account starts with.
	RoleNormal Role = "normal"
	// RoleAdmin is the elevated role allowed to manage other accounts.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleNormal || r == RoleAdmin
}

// Account represents a registered trader identity.
// It carries credentials, role, activation state and the cached session flag.
type Account struct {
	// ID is the unique numeric identifier, assigned once from a sequence.
	ID int `json:"id" db:"id"`

	// Username is the unique login name chosen at registration.
	Username string `json:"username" db:"username"`

	// Email is the unique email address used for login.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// PasscodeHash stores the bcrypt hash of the 4-digit passcode.
	PasscodeHash string `json:"-" db:"passcode_hash"`

	// DeviceToken is an opaque push token used by device login.
	DeviceToken string `json:"-" db:"device_token"`

	// Role indicates whether the account is elevated ("admin") or standard ("normal").
	Role Role `json:"role" db:"role"`

	// Active gates login. New accounts start inactive.
	Active bool `json:"active" db:"active"`

	// LoggedIn mirrors whether an open session record exists for the account.
	LoggedIn bool `json:"logged_in" db:"logged_in"`

	// LastActive is the time of the most recent guarded request, nil before the first login.
	LastActive *time.Time `json:"last_active,omitempty" db:"last_active"`

	// LastLogin is the time of the most recent successful login.
	LastLogin *time.Time `json:"last_login,omitempty" db:"last_login"`

	// CreatedAt is the timestamp when the account was registered.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent profile or credential change.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAdmin reports whether the account holds the elevated role.
func (a Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}
