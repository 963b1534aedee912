// Package security implements the auth gate and the audio-file allow-list.
// Every decision fails closed: no configured token denies all auth
// attempts, and an empty allow-list denies all file access.
package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/CodeneAria/actingdoll/internal/pathutil"
)

var (
	// ErrAuthDisabled means no token is configured, so no caller can
	// authenticate.
	ErrAuthDisabled = errors.New("security: authentication is not configured")
	// ErrInvalidToken means the presented token does not match.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrPathDenied means the requested file is outside every allowed
	// directory.
	ErrPathDenied = errors.New("security: path not allowed")
)

// Policy holds the server's security configuration. The zero value denies
// everything.
type Policy struct {
	// RequireAuth gates privileged directives behind a successful auth
	// exchange.
	RequireAuth bool

	token       string
	allowedDirs []string
}

// NewPolicy resolves the allow-list directories up front. Entries that do
// not exist or cannot be resolved are dropped with an error so operators
// notice misconfiguration at startup instead of at first use.
func NewPolicy(requireAuth bool, token string, allowedDirs []string) (*Policy, error) {
	p := &Policy{
		RequireAuth: requireAuth,
		token:       token,
	}
	var errs []error
	for _, dir := range allowedDirs {
		resolved, err := resolveDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("allowed dir %q: %w", dir, err))
			continue
		}
		p.allowedDirs = append(p.allowedDirs, resolved)
	}
	return p, errors.Join(errs...)
}

// ValidateToken checks a presented token against the configured one using a
// constant-time comparison. When auth is not required every token is
// accepted. With auth required and no token configured every attempt fails.
func (p *Policy) ValidateToken(presented string) error {
	if !p.RequireAuth {
		return nil
	}
	if p.token == "" {
		return ErrAuthDisabled
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(p.token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// AllowedDirs returns the resolved allow-list.
func (p *Policy) AllowedDirs() []string {
	out := make([]string, len(p.allowedDirs))
	copy(out, p.allowedDirs)
	return out
}

// ResolveAllowedPath authorizes path for reading. The path must exist and,
// after symlink resolution of both the path and the allow-list entries,
// must sit inside one of the allowed directories. The resolved real path is
// returned so callers never open the unresolved name.
func (p *Policy) ResolveAllowedPath(path string) (string, error) {
	if len(p.allowedDirs) == 0 {
		return "", ErrPathDenied
	}
	expanded, err := pathutil.ExpandUserAndEnv(path)
	if err != nil || expanded == "" {
		return "", ErrPathDenied
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", ErrPathDenied
	}
	// EvalSymlinks also fails on nonexistent paths; that denial stands.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", ErrPathDenied
	}
	info, err := os.Stat(real)
	if err != nil || info.IsDir() {
		return "", ErrPathDenied
	}
	for _, dir := range p.allowedDirs {
		if within(dir, real) {
			return real, nil
		}
	}
	return "", ErrPathDenied
}

func resolveDir(dir string) (string, error) {
	expanded, err := pathutil.ExpandUserAndEnv(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory")
	}
	return real, nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
