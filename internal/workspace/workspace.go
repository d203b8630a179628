// Package workspace reads the working tree a session is bound to: committed
// content from git HEAD and current content from disk.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
)

const zeroHash = "0000000000000000000000000000000000000000"

// Workspace is a directory tree, optionally backed by a git repository.
type Workspace struct {
	root     string
	repo     *git.Repository
	repoRoot string
}

// Open returns a Workspace for root. A root outside any git repository is
// still usable; HEAD lookups then report nothing.
func Open(root string) *Workspace {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	w := &Workspace{root: abs}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return w
	}
	wt, err := repo.Worktree()
	if err != nil {
		return w
	}
	w.repo = repo
	w.repoRoot = wt.Filesystem.Root()
	return w
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// IsRepo reports whether the workspace is inside a git repository.
func (w *Workspace) IsRepo() bool { return w.repo != nil }

// Rel converts path to a slash-separated path relative to the workspace
// root. Relative input is returned cleaned.
func (w *Workspace) Rel(path string) string {
	if filepath.IsAbs(path) {
		if rel, err := filepath.Rel(w.root, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	return filepath.ToSlash(filepath.Clean(path))
}

// Abs resolves a workspace-relative path.
func (w *Workspace) Abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(w.root, filepath.FromSlash(path))
}

// HeadContent returns the content of path at HEAD.
func (w *Workspace) HeadContent(path string) (string, bool) {
	if w.repo == nil {
		return "", false
	}
	ref, err := w.repo.Head()
	if err != nil {
		return "", false
	}
	commit, err := w.repo.CommitObject(ref.Hash())
	if err != nil {
		return "", false
	}

	repoPath := path
	if rel, err := filepath.Rel(w.repoRoot, w.Abs(path)); err == nil {
		repoPath = filepath.ToSlash(rel)
	}
	f, err := commit.File(repoPath)
	if err != nil {
		return "", false
	}
	content, err := f.Contents()
	if err != nil {
		return "", false
	}
	return content, true
}

// ReadFile returns the current on-disk content of path.
func (w *Workspace) ReadFile(path string) (string, bool) {
	data, err := os.ReadFile(w.Abs(path))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Exists reports whether path exists on disk.
func (w *Workspace) Exists(path string) bool {
	_, err := os.Stat(w.Abs(path))
	return err == nil
}

// HeadHash returns the HEAD commit hash, or the all-zero hash.
func (w *Workspace) HeadHash() string {
	if w.repo == nil {
		return zeroHash
	}
	ref, err := w.repo.Head()
	if err != nil {
		return zeroHash
	}
	return ref.Hash().String()
}

// Author returns the git user identity, falling back to a sidecar identity.
func (w *Workspace) Author() (name, email string) {
	name, email = "sidecar", "sidecar@localhost"
	if w.repo == nil {
		return name, email
	}
	for _, scope := range []config.Scope{config.LocalScope, config.GlobalScope} {
		cfg, err := w.repo.ConfigScoped(scope)
		if err != nil {
			continue
		}
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
		if cfg.User.Name != "" && cfg.User.Email != "" {
			break
		}
	}
	return name, email
}
