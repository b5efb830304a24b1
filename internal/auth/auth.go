// Package auth supplies the user token that joins a private updates room.
//
// The stream core never inspects a token. It only carries it in the room
// request, so providers here are concerned with where the token lives.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when a provider has no token to offer.
var ErrNoToken = errors.New("no auth token")

// TokenProvider yields the current user token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static returns the same token on every call.
type Static string

// Token implements TokenProvider.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// EnvProvider reads the token from an environment variable on every call.
type EnvProvider struct {
	Name string
}

// FromEnv creates a provider backed by the named environment variable.
func FromEnv(name string) *EnvProvider {
	return &EnvProvider{Name: name}
}

// Token implements TokenProvider.
func (p *EnvProvider) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(p.Name))
	if v == "" {
		return "", fmt.Errorf("env %s: %w", p.Name, ErrNoToken)
	}
	return v, nil
}

// FileProvider reads the token from a file on every call, so a rotated
// secret is picked up on the next subscribe.
type FileProvider struct {
	Path string
}

// FromFile creates a provider backed by a token file.
func FromFile(path string) *FileProvider {
	return &FileProvider{Path: path}
}

// Token implements TokenProvider.
func (p *FileProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("token file %s: %w", p.Path, ErrNoToken)
	}
	return v, nil
}

// Redact shortens a token for logs and debug output.
func Redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
