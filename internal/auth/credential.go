// Package auth loads the bearer credential a session connects with.
//
// The daemon never verifies token signatures; the backend does. It only
// reads the claims it needs to decide whether connecting is worth trying:
// who the user is and when the token expires.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential means no usable token is stored.
	ErrNoCredential = errors.New("no credential")
	// ErrExpired means the stored token is past its exp claim.
	ErrExpired = errors.New("credential expired")
)

// userIDClaims lists the claims checked for the user id, in order, before
// falling back to "sub".
var userIDClaims = []string{"_id", "user_id", "userId", "id"}

// Credential is a parsed bearer token.
type Credential struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Valid reports whether c can be used to connect at now.
func (c Credential) Valid(now time.Time) bool {
	if c.Token == "" || c.UserID == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// Bearer returns the Authorization header value.
func (c Credential) Bearer() string {
	return "Bearer " + c.Token
}

// ParseToken extracts the user id and expiry from a JWT without verifying it.
func ParseToken(raw string) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, ErrNoCredential
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Credential{}, fmt.Errorf("parse token: %w", err)
	}

	cred := Credential{Token: raw}
	for _, key := range userIDClaims {
		if v, ok := claims[key].(string); ok && v != "" {
			cred.UserID = v
			break
		}
	}
	if cred.UserID == "" {
		sub, _ := claims.GetSubject()
		cred.UserID = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

// Source yields the current credential. It is consulted on every connect
// attempt so a rotated token is picked up without restarting the session.
type Source interface {
	Credential() (Credential, error)
}

// Static is a Source that always returns the same credential.
type Static Credential

// Credential implements Source.
func (s Static) Credential() (Credential, error) {
	if s.Token == "" {
		return Credential{}, ErrNoCredential
	}
	return Credential(s), nil
}

// FileSource reads the token from a file on each call.
type FileSource struct {
	Path string
}

// Credential implements Source.
func (f FileSource) Credential() (Credential, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read credential: %w", err)
	}
	return ParseToken(string(data))
}

// Save stores token at path with owner-only permissions.
func Save(path, token string) error {
	if _, err := ParseToken(token); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(token)+"\n"), 0600)
}

// Remove deletes the stored token. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
