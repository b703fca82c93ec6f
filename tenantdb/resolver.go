package tenantdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/warp/cylinder-books/fiscal"
)

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	drivePrefix     = regexp.MustCompile(`^[A-Za-z]:`)
)

// Resolver maps a username to the directory holding its per-year databases.
type Resolver struct {
	users   fiscal.UserStore
	baseDir string
}

// NewResolver creates a resolver placing tenant directories under baseDir.
func NewResolver(users fiscal.UserStore, baseDir string) *Resolver {
	return &Resolver{users: users, baseDir: baseDir}
}

// BaseDir returns the directory under which canonical tenant directories live.
func (r *Resolver) BaseDir() string {
	return r.baseDir
}

// Resolve returns the tenant directory, creating it when absent. A stored
// path that is empty or was written by a foreign deployment is replaced by
// the canonical <baseDir>/<username> and persisted back to the registry.
func (r *Resolver) Resolve(ctx context.Context, username string) (string, error) {
	user, err := r.users.GetUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to look up tenant %q: %w", username, err)
	}
	if user == nil {
		return "", fmt.Errorf("%w: %q", fiscal.ErrTenantNotFound, username)
	}

	dir := user.Directory
	if dir == "" || isForeignPath(dir) {
		canonical, err := r.CanonicalDir(username)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(canonical, 0o755); err != nil {
			return "", fmt.Errorf("%w: create tenant directory: %v", fiscal.ErrDatabaseConnection, err)
		}
		if err := r.users.SetDirectory(ctx, username, canonical); err != nil {
			return "", fmt.Errorf("failed to persist tenant directory: %w", err)
		}
		if dir != "" {
			log.Warn().Str("username", username).Str("stored", dir).Str("dir", canonical).
				Msg("replaced foreign tenant directory")
		}
		return canonical, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create tenant directory: %v", fiscal.ErrDatabaseConnection, err)
	}
	return dir, nil
}

// CanonicalDir returns <baseDir>/<safe username>.
func (r *Resolver) CanonicalDir(username string) (string, error) {
	name, err := DirName(username)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.baseDir, name), nil
}

// DirName maps a username onto a single safe path element.
func DirName(username string) (string, error) {
	name := unsafeNameChars.ReplaceAllString(strings.TrimSpace(username), "_")
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", fiscal.ErrInvalidUsername, username)
	}
	return name, nil
}

// isForeignPath reports whether a stored directory uses path conventions of
// another operating system than the one running now.
func isForeignPath(p string) bool {
	if runtime.GOOS == "windows" {
		return strings.HasPrefix(p, "/")
	}
	return strings.Contains(p, `\`) || drivePrefix.MatchString(p)
}
