package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/store"
	"github.com/tradedesk/authserver/types"
)

// PasswordHasher hashes secrets and checks them against stored hashes.
type PasswordHasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) bool
}

// AccountFinder resolves login ids to accounts.
type AccountFinder interface {
	FindByLogin(ctx context.Context, criteria []store.LookupCriterion) ([]types.Account, error)
}

// CredentialInput is a login id plus a password or a passcode.
type CredentialInput struct {
	LoginID  string
	Password string
	Passcode string
}

// Method reports which secret will be checked. Password wins when both are set.
func (in CredentialInput) Method() types.LoginMethod {
	if in.Password != "" {
		return types.LoginMethodPassword
	}
	return types.LoginMethodPasscode
}

// LookupStrategy turns a login id into a lookup criterion when it applies.
type LookupStrategy struct {
	Field store.LookupField
	Match func(loginID string) (store.LookupCriterion, bool)
}

// DefaultLookupStrategies are tried in order: email, username, numeric id.
var DefaultLookupStrategies = []LookupStrategy{
	{Field: store.LookupEmail, Match: matchEmail},
	{Field: store.LookupUsername, Match: matchUsername},
	{Field: store.LookupID, Match: matchID},
}

func matchEmail(loginID string) (store.LookupCriterion, bool) {
	if !strings.Contains(loginID, "@") || !strings.Contains(loginID, ".") {
		return store.LookupCriterion{}, false
	}
	return store.LookupCriterion{Field: store.LookupEmail, Value: loginID}, true
}

func matchUsername(loginID string) (store.LookupCriterion, bool) {
	return store.LookupCriterion{Field: store.LookupUsername, Value: loginID}, true
}

func matchID(loginID string) (store.LookupCriterion, bool) {
	id, err := strconv.Atoi(loginID)
	if err != nil || id <= 0 {
		return store.LookupCriterion{}, false
	}
	return store.LookupCriterion{Field: store.LookupID, ID: id}, true
}

// BuildLookup returns the criteria of every applicable strategy, in strategy order.
func BuildLookup(strategies []LookupStrategy, loginID string) []store.LookupCriterion {
	criteria := make([]store.LookupCriterion, 0, len(strategies))
	if loginID == "" {
		return criteria
	}
	for _, s := range strategies {
		if c, ok := s.Match(loginID); ok {
			criteria = append(criteria, c)
		}
	}
	return criteria
}

// firstMatch picks the account matched by the earliest criterion.
func firstMatch(criteria []store.LookupCriterion, accounts []types.Account) (types.Account, bool) {
	for _, c := range criteria {
		for _, acc := range accounts {
			if c.Matches(acc) {
				return acc, true
			}
		}
	}
	return types.Account{}, false
}

// CredentialVerifier checks a login id and secret against the identity store.
// It never writes.
type CredentialVerifier struct {
	accounts   AccountFinder
	hasher     PasswordHasher
	strategies []LookupStrategy
	dummyHash  string
}

func NewCredentialVerifier(accounts AccountFinder, hasher PasswordHasher) (*CredentialVerifier, error) {
	dummy, err := hasher.Hash("not-a-real-secret")
	if err != nil {
		return nil, fmt.Errorf("credential verifier: %w", err)
	}
	return &CredentialVerifier{
		accounts:   accounts,
		hasher:     hasher,
		strategies: DefaultLookupStrategies,
		dummyHash:  dummy,
	}, nil
}

// Verify resolves the login id and checks the secret. Errors are
// account_not_found, account_inactive or bad_credential.
func (v *CredentialVerifier) Verify(ctx context.Context, in CredentialInput) (types.Account, error) {
	const op = "credentials.verify"

	loginID := strings.TrimSpace(in.LoginID)
	if loginID == "" || (in.Password == "" && in.Passcode == "") {
		return types.Account{}, apperr.Validation(op, "missing_credentials",
			"a login id (email, id or username) and either password or passcode are required")
	}

	secret := in.Password
	if secret == "" {
		secret = in.Passcode
	}

	criteria := BuildLookup(v.strategies, loginID)
	found, err := v.accounts.FindByLogin(ctx, criteria)
	if err != nil {
		return types.Account{}, fmt.Errorf("%s: %w", op, err)
	}

	acc, ok := firstMatch(criteria, found)
	if !ok {
		v.hasher.Compare(v.dummyHash, secret)
		return types.Account{}, apperr.ErrAccountNotFound.WithOp(op)
	}
	if !acc.Active {
		return types.Account{}, apperr.ErrInactive.WithOp(op)
	}

	hash := acc.PasswordHash
	if in.Method() == types.LoginMethodPasscode {
		hash = acc.PasscodeHash
	}
	if !v.hasher.Compare(hash, secret) {
		return types.Account{}, apperr.ErrBadCredential.WithOp(op)
	}
	return acc, nil
}
