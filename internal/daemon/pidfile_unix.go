//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"syscall"
)

// alive probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Signal sends sig to the process named in the PID file.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return syscall.Kill(pid, sig)
}

// Terminate asks the recorded process to shut down gracefully.
func (p *PIDFile) Terminate() error { return p.Signal(syscall.SIGTERM) }

// Kill ends the recorded process immediately.
func (p *PIDFile) Kill() error { return p.Signal(syscall.SIGKILL) }
