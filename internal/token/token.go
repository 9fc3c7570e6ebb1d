// Package token issues and verifies the signed access and refresh tokens.
package token

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/tradedesk/authserver/internal/apperr"
)

// Class distinguishes access tokens from refresh tokens.
type Class string

const (
	ClassAccess  Class = "access"
	ClassRefresh Class = "refresh"
)

// Claims is the JWT payload. SessionID binds the token to the session
// record opened by the login that minted it.
type Claims struct {
	Class     Class `json:"cls"`
	SessionID int64 `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Verified is the decoded result of a successful Verify.
type Verified struct {
	SubjectID int
	SessionID int64
	Class     Class
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service signs HS256 tokens. Access and refresh tokens may use distinct secrets.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source used for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRefreshSecret signs refresh tokens with a dedicated secret.
func WithRefreshSecret(secret string) Option {
	return func(s *Service) {
		if strings.TrimSpace(secret) != "" {
			s.refreshSecret = []byte(secret)
		}
	}
}

// NewService constructs a token service.
func NewService(secret string, accessTTL, refreshTTL time.Duration, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret is required")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	s := &Service{
		accessSecret:  []byte(secret),
		refreshSecret: []byte(secret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the lifetime of access tokens.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the lifetime of refresh tokens.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess mints an access token with the default TTL.
func (s *Service) IssueAccess(subjectID int, sessionID int64) (string, time.Time, error) {
	return s.Issue(subjectID, sessionID, ClassAccess, s.accessTTL)
}

// IssueRefresh mints a refresh token with the default TTL.
func (s *Service) IssueRefresh(subjectID int, sessionID int64) (string, time.Time, error) {
	return s.Issue(subjectID, sessionID, ClassRefresh, s.refreshTTL)
}

// Issue mints a token of the given class for subjectID.
func (s *Service) Issue(subjectID int, sessionID int64, class Class, ttl time.Duration) (string, time.Time, error) {
	if subjectID < 1 {
		return "", time.Time{}, errors.New("invalid subject")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Class:     class,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
			Subject:   strconv.Itoa(subjectID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretFor(class))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and class. Expired tokens fail with
// apperr.ErrTokenExpired, anything else with apperr.ErrTokenInvalid.
func (s *Service) Verify(tokenString string, want Class) (Verified, error) {
	const op = "token.Verify"

	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Verified{}, apperr.ErrTokenInvalid.WithOp(op)
	}

	claims := Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		c, ok := token.Claims.(*Claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		return s.secretFor(c.Class), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Verified{}, apperr.ErrTokenExpired.WithOp(op).Wrap(err)
		}
		return Verified{}, apperr.ErrTokenInvalid.WithOp(op).Wrap(err)
	}
	if !token.Valid {
		return Verified{}, apperr.ErrTokenInvalid.WithOp(op)
	}
	if claims.Class != want {
		return Verified{}, apperr.ErrTokenInvalid.WithOp(op).Wrap(errors.New("wrong token class"))
	}

	subjectID, err := strconv.Atoi(strings.TrimSpace(claims.Subject))
	if err != nil || subjectID < 1 {
		return Verified{}, apperr.ErrTokenInvalid.WithOp(op).Wrap(errors.New("invalid subject"))
	}

	v := Verified{
		SubjectID: subjectID,
		SessionID: claims.SessionID,
		Class:     claims.Class,
		ID:        claims.ID,
	}
	if claims.IssuedAt != nil {
		v.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		v.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return v, nil
}

func (s *Service) secretFor(class Class) []byte {
	if class == ClassRefresh {
		return s.refreshSecret
	}
	return s.accessSecret
}
