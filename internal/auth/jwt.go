// Package auth authenticates API callers with HS256 bearer JWTs whose
// subject is the user UUID, and provides the JSON response envelope shared
// by every handler.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLen is the shortest accepted signing secret.
const MinSecretLen = 32

const issuer = "roost"

var (
	ErrSecretTooShort = fmt.Errorf("auth: JWT secret must be at least %d bytes", MinSecretLen)
	ErrInvalidSubject = errors.New("auth: token subject is not a user id")
)

// Claims are the JWT claims the service reads. Subject is the user UUID.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID parses the subject.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidSubject
	}
	return id, nil
}

// Authenticator issues and validates access tokens with one secret.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// New returns an Authenticator. The secret must be at least MinSecretLen bytes.
func New(secret string) (*Authenticator, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// GenerateAccessToken signs a token for userID valid for ttl. Access tokens
// are minted by the account service in production; this is used by tooling
// and tests.
func (a *Authenticator) GenerateAccessToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateAccessToken parses and validates tokenStr and returns its claims.
func (a *Authenticator) ValidateAccessToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}
