package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means no credential is available for the socket handshake.
	ErrNoToken = errors.New("no login token")
	// ErrTokenExpired means the stored credential is past its expiry.
	ErrTokenExpired = errors.New("login token expired")
)

// TokenSource provides the bearer credential used in the socket handshake.
type TokenSource interface {
	// Token returns a currently valid bearer token, or an error if none exists.
	Token() (string, error)
}

// FileTokenSource reads a JWT from a file written by the login flow.
// kinchat never writes this file; token acquisition and refresh live
// in the web front end.
type FileTokenSource struct {
	Path string
}

// Token implements TokenSource.
func (s *FileTokenSource) Token() (string, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return "", ErrNoToken
	}
	if err := Validate(tok, time.Now()); err != nil {
		return "", err
	}
	return tok, nil
}

// Validate checks that the token is a well formed JWT that has not expired.
// The signature is not verified locally; the server is the authority and
// rejects forged tokens at the handshake.
func Validate(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("token expiry claim: %w", err)
	}
	if exp != nil && exp.Before(now) {
		return ErrTokenExpired
	}
	return nil
}

// StaticTokenSource returns a fixed token. Used in tests.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}
