// Package daemon tracks the background serve process through a PID file
// under the state directory. The file holds a single decimal PID; liveness
// is probed with a zero signal, so a leftover file from a crashed server is
// detected as stale rather than blocking the next start.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile is a handle on the serve PID file.
type PIDFile struct {
	Path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records this process's PID.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records an arbitrary PID, replacing any previous content.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded PID. A missing file surfaces as the underlying
// os error; garbage content is reported explicitly.
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

// Remove deletes the file. Callers stopping a server treat a missing file
// as already-stopped.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
