// Package auth issues the short-lived bearer tokens clients present to the
// broker when subscribing. The HS256 signing key is shared with the broker
// and lives only here.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds broker token lifetime.
const TokenTTL = 24 * time.Hour

// Issuer signs broker subscription tokens.
type Issuer struct {
	secret []byte
}

// NewIssuer creates a token issuer with the shared HS256 secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue signs a token asserting userID as the subject.
func (i *Issuer) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: missing user id")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// Verify parses a token and returns its subject. Used by tests and by
// deployments that co-locate the broker's token check.
func (i *Issuer) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	})
	if err != nil || !t.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}
