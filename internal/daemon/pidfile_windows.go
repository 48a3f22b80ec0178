//go:build windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

const stillActive = 259

// alive opens pid for query and checks that it has not exited. Access
// denied means the process exists under another account.
func alive(pid int) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, syscall.ERROR_ACCESS_DENIED)
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// Signal delivers sig to the process named in the PID file. Windows has no
// signals beyond kill: signal 0 probes liveness and anything else kills.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if sig == 0 {
		if !alive(pid) {
			return os.ErrProcessDone
		}
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Kill()
}

// Terminate stops the recorded process. Windows cannot deliver SIGTERM, so
// yoke serve has no graceful path here.
func (p *PIDFile) Terminate() error { return p.Signal(syscall.SIGTERM) }

// Kill ends the recorded process immediately.
func (p *PIDFile) Kill() error { return p.Signal(syscall.SIGKILL) }
