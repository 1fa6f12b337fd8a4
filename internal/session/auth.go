package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("invalid or missing credentials")

// Authenticator turns a bearer credential into a user id. Issuing the
// credential is the identity subsystem's job.
type Authenticator interface {
	Authenticate(bearer string) (userID string, err error)
}

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(bearer string) (string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if raw == "" || len(a.secret) == 0 {
		return "", ErrUnauthenticated
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: token has no userId", ErrUnauthenticated)
	}
	return claims.UserID, nil
}
