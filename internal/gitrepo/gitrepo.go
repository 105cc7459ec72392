// Package gitrepo probes the git repository a sprint runs in.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds every git call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNotRepo is returned outside a git work tree.
	ErrNotRepo = errors.New("not a git repository")
	// ErrNoCommits is returned by Head in a repository without commits.
	ErrNoCommits = errors.New("repository has no commits")
	// ErrDetachedHEAD is returned by Branch when HEAD is detached.
	ErrDetachedHEAD = errors.New("detached HEAD")
)

// Repo runs git in Dir.
type Repo struct {
	Dir     string
	Timeout time.Duration
}

// Open returns a Repo for dir.
func Open(dir string) *Repo {
	return &Repo{Dir: dir, Timeout: DefaultTimeout}
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s timed out after %s", args[0], timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr := strings.TrimSpace(string(exitErr.Stderr))
			if strings.Contains(stderr, "not a git repository") {
				return "", fmt.Errorf("%w: %s", ErrNotRepo, r.Dir)
			}
			return "", fmt.Errorf("git %s: %s", args[0], stderr)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// Head returns the abbreviated HEAD commit.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") || strings.Contains(err.Error(), "ambiguous argument 'HEAD'") {
			return "", ErrNoCommits
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Branch returns the current branch name.
func (r *Repo) Branch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return "", ErrDetachedHEAD
	}
	return branch, nil
}

// Dirty lists uncommitted paths relative to the repository root, skipping any
// path equal to or below one of ignore (also root-relative).
func (r *Repo) Dirty(ctx context.Context, ignore ...string) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var dirty []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		path = strings.Trim(path, `"`)
		if ignored(path, ignore) {
			continue
		}
		dirty = append(dirty, path)
	}
	return dirty, nil
}

func ignored(path string, ignore []string) bool {
	path = filepath.ToSlash(path)
	for _, ig := range ignore {
		ig = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(ig)), "/")
		if ig == "" || ig == "." {
			continue
		}
		if path == ig || strings.HasPrefix(path, ig+"/") {
			return true
		}
	}
	return false
}
