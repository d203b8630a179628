package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "a.go"), []byte("package pkg\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("pkg/a.go")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestHeadContent(t *testing.T) {
	dir := initRepo(t)
	w := Open(dir)
	require.True(t, w.IsRepo())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "a.go"), []byte("package pkg\n\nvar X = 1\n"), 0o644))

	head, ok := w.HeadContent("pkg/a.go")
	require.True(t, ok)
	assert.Equal(t, "package pkg\n", head)

	disk, ok := w.ReadFile("pkg/a.go")
	require.True(t, ok)
	assert.Contains(t, disk, "var X")

	_, ok = w.HeadContent("missing.go")
	assert.False(t, ok)
	assert.Len(t, w.HeadHash(), 40)
	assert.NotEqual(t, zeroHash, w.HeadHash())
}

func TestOpen_NotARepo(t *testing.T) {
	w := Open(t.TempDir())
	assert.False(t, w.IsRepo())
	_, ok := w.HeadContent("a.go")
	assert.False(t, ok)
	assert.Equal(t, zeroHash, w.HeadHash())
	name, email := w.Author()
	assert.Equal(t, "sidecar", name)
	assert.Equal(t, "sidecar@localhost", email)
}

func TestRel(t *testing.T) {
	dir := t.TempDir()
	w := Open(dir)
	assert.Equal(t, "pkg/a.go", w.Rel(filepath.Join(w.Root(), "pkg", "a.go")))
	assert.Equal(t, "pkg/a.go", w.Rel("./pkg/a.go"))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.md")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
