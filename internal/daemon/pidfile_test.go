package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteAndRead(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "serve.pid"))

	require.NoError(t, pf.WritePID(12345))
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestPIDFile_Read(t *testing.T) {
	dir := t.TempDir()

	_, err := NewPIDFile(filepath.Join(dir, "missing.pid")).Read()
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-number\n"), 0o644))
	_, err = NewPIDFile(bad).Read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file content")
}

func TestPIDFile_Acquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	pf := NewPIDFile(path)

	// stale file from a dead process is taken over
	require.NoError(t, pf.WritePID(999999))
	require.NoError(t, pf.Acquire())
	pid, running := pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	// re-acquiring our own file is fine
	require.NoError(t, pf.Acquire())
}

func TestPIDFile_AcquireRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	pf := NewPIDFile(path)

	// the parent of the test process is alive and is not us
	require.NoError(t, pf.WritePID(os.Getppid()))
	err := pf.Acquire()
	assert.True(t, errors.Is(err, ErrRunning))
}

func TestPIDFile_IsRunning(t *testing.T) {
	dir := t.TempDir()

	pid, running := NewPIDFile(filepath.Join(dir, "missing.pid")).IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)

	dead := NewPIDFile(filepath.Join(dir, "dead.pid"))
	require.NoError(t, dead.WritePID(999999))
	pid, running = dead.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestPIDFile_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.pid")
	pf := NewPIDFile(path)
	require.NoError(t, pf.Write())

	require.NoError(t, pf.Remove())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, pf.Remove())
}

func TestPIDFile_Signal(t *testing.T) {
	dir := t.TempDir()
	pf := NewPIDFile(filepath.Join(dir, "serve.pid"))
	require.NoError(t, pf.Write())
	assert.NoError(t, pf.Signal(syscall.Signal(0)))

	err := NewPIDFile(filepath.Join(dir, "missing.pid")).Signal(syscall.Signal(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")
}
