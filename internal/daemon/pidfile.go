// Package daemon tracks the background `sidecar serve` process through a
// PID file in the data directory.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/joescharf/sidecar/internal/workspace"
)

// ErrRunning is returned by Acquire when another live process owns the file.
var ErrRunning = errors.New("daemon already running")

// PIDFile records the PID of the serve daemon.
type PIDFile struct {
	Path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire claims the PID file for the current process. A file left behind by
// a dead process is replaced.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("pid %d: %w", pid, ErrRunning)
	}
	return p.Write()
}

// Write records the current process.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

func (p *PIDFile) WritePID(pid int) error {
	return workspace.WriteFileAtomic(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// IsRunning returns the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

// Signal delivers sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return signalProcess(pid, sig)
}

// Remove deletes the PID file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
