// Package auth validates the bearer tokens presented to the HTTP API.
// Tokens are issued by the account service; this side only checks them.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type AuthModule struct {
	JWTSecret string
}

func NewAuthModule(JWTSecret string) *AuthModule {
	return &AuthModule{JWTSecret: JWTSecret}
}

// GenerateJWT signs a token for userID. Used by tooling and tests.
func (a *AuthModule) GenerateJWT(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.JWTSecret))
}

// ValidateTokenJWT checks an Authorization header value (with or without the
// Bearer prefix) and returns the user id it carries.
func (a *AuthModule) ValidateTokenJWT(header string) (string, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok || !parsedToken.Valid {
		return "", ErrInvalidToken
	}
	switch id := claims["user_id"].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return fmt.Sprintf("%d", int64(id)), nil
	}
	return "", errors.New("invalid user_id in token")
}
