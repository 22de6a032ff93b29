package web

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenRequired is returned when tokens are enforced and none was given.
	ErrTokenRequired = errors.New("token required")

	// ErrTokenScope is returned for a valid token issued for another document.
	ErrTokenScope = errors.New("token not valid for this document")
)

const tokenIssuer = "scribed"

// ViewClaims scope a token to one document path.
type ViewClaims struct {
	Path string `json:"path"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HMAC-signed view tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a token authority. A zero ttl means tokens never expire.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for path.
func (t *Tokens) Issue(path string) (string, error) {
	now := t.now()
	claims := ViewClaims{
		Path: path,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and document scope of token.
func (t *Tokens) Verify(token, path string) error {
	if token == "" {
		return ErrTokenRequired
	}
	var claims ViewClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if claims.Path != path {
		return ErrTokenScope
	}
	return nil
}
