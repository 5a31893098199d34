// ABOUTME: Authentication token minting and verification for authorized operations.
// ABOUTME: Uses HS256 signing with a per-daemon secret; tokens are scoped to one challenge.

package authorization

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/halcyonos/devicelock/internal/protocol"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DefaultTokenLifetime bounds how long a minted token stays verifiable.
// Challenges are short-lived; a token that outlives its challenge is already
// useless, this only caps the window.
const DefaultTokenLifetime = 5 * time.Minute

// TokenMinter mints and verifies HS256-signed authentication tokens. One
// minter is shared by all of a daemon's authorizers.
type TokenMinter struct {
	secret   []byte
	lifetime time.Duration
}

// NewTokenMinter creates a minter with the given secret and token lifetime.
// An empty secret is replaced with a random per-process one, invalidating all
// tokens on restart, which is the correct default for second-scale tokens. A
// zero lifetime means DefaultTokenLifetime.
func NewTokenMinter(secret []byte, lifetime time.Duration) (*TokenMinter, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
	}
	if lifetime == 0 {
		lifetime = DefaultTokenLifetime
	}
	return &TokenMinter{secret: secret, lifetime: lifetime}, nil
}

// Mint creates a token bound to a challenge code and the method that
// authenticated it.
func (m *TokenMinter) Mint(challengeCode string, method protocol.Methods) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"chl": challengeCode,
		"mth": int64(method),
		"iat": now.Unix(),
		"exp": now.Add(m.lifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify validates the token and extracts the challenge code and method.
// Whether the challenge is still issued is the authorizer's business, not
// the minter's.
func (m *TokenMinter) Verify(tokenString string) (challengeCode string, method protocol.Methods, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", 0, ErrExpiredToken
		}
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", 0, ErrInvalidToken
	}

	chl, ok := claims["chl"].(string)
	if !ok || chl == "" {
		return "", 0, fmt.Errorf("%w: chl", ErrMissingClaim)
	}
	mth, ok := claims["mth"].(float64)
	if !ok {
		return "", 0, fmt.Errorf("%w: mth", ErrMissingClaim)
	}

	return chl, protocol.Methods(mth), nil
}
