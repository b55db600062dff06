// Package contracts defines the request/response shapes and
// authentication contract an HTTP adapter calls into (spec.md section
// 6), grounded on original_source/src/auth.rs's Claims shape and
// original_source/src/api/mod.rs's handler inputs/outputs - adapted
// here to plain Go types with no framework dependency.
package contracts

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ralt/pkgrepo/internal/config"
	"github.com/ralt/pkgrepo/internal/pkgerr"
)

// Claims is the JWT payload issued to a caller. TokenType distinguishes
// an interactive login ("user") from a long-lived generated credential
// ("admin"), mirroring the original's token_type field.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
}

// AuthenticatedUser is what a validated token resolves to.
type AuthenticatedUser struct {
	Username  string
	TokenType string
}

// IssueToken signs a new token for username, valid for cfg.JWTExpiration.
func IssueToken(cfg config.AuthConfig, username, tokenType string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.JWTExpiration)),
			Issuer:    cfg.Issuer,
		},
		TokenType: tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", pkgerr.New(pkgerr.KindConfig, "contracts.IssueToken", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies tokenString against cfg, checking
// the issuer and expiry, and returns the authenticated user on success.
func ValidateToken(cfg config.AuthConfig, tokenString string) (AuthenticatedUser, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithIssuer(cfg.Issuer), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return AuthenticatedUser{}, pkgerr.Newf(pkgerr.KindUnauthorized, "contracts.ValidateToken", "invalid token")
	}
	return AuthenticatedUser{
		Username:  claims.Subject,
		TokenType: claims.TokenType,
	}, nil
}
