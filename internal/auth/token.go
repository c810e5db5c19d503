package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collab/api/internal/collab"
)

type Claims struct {
	Sub  string
	Name string
	JTI  string
	Exp  int64
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrRevokedToken = errors.New("revoked token")
)

type tokenClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Sub,
			ID:        claims.JTI,
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.Exp, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Name: claims.Name,
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.Name == "" || parsed.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Sub:  parsed.Subject,
		Name: parsed.Name,
		JTI:  parsed.ID,
		Exp:  parsed.ExpiresAt.Unix(),
	}, nil
}

// Revocations reports whether a token id was revoked before it expired.
type Revocations interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Validator turns a bearer token into the principal it was issued to.
type Validator struct {
	secret  []byte
	revoked Revocations
}

func NewValidator(secret []byte, revoked Revocations) *Validator {
	return &Validator{secret: secret, revoked: revoked}
}

func (v *Validator) Validate(ctx context.Context, token string) (collab.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return collab.Principal{}, fmt.Errorf("%w: missing bearer token", collab.ErrUnauthorized)
	}
	claims, err := ParseToken(v.secret, token)
	if err != nil {
		return collab.Principal{}, fmt.Errorf("%w: %v", collab.ErrUnauthorized, err)
	}
	if v.revoked != nil {
		revoked, err := v.revoked.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			return collab.Principal{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return collab.Principal{}, fmt.Errorf("%w: %v", collab.ErrUnauthorized, ErrRevokedToken)
		}
	}
	return collab.Principal{ID: claims.Sub, DisplayName: claims.Name}, nil
}
