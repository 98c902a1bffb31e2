// Package pty owns one OS pseudo-terminal pair and the child process
// attached to its slave side. A Handle is exclusively owned by the session
// registry; it is never shared across sessions.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var (
	ErrClosed            = errors.New("pty closed")
	ErrEmptyCommand      = errors.New("command must not be empty")
	ErrInvalidWorkingDir = errors.New("invalid working directory")
)

// Handle is one spawned PTY master plus its child process.
type Handle struct {
	master *os.File
	cmd    *exec.Cmd
	pid    int
}

// Spawn starts command inside a fresh PTY sized rows x cols. env, when
// non-nil, is the full child environment; a nil env inherits the daemon's.
// The returned handle's master is open and the child is running.
func Spawn(command []string, workingDir string, rows, cols int, env []string) (*Handle, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, ErrEmptyCommand
	}
	if workingDir != "" {
		st, err := os.Stat(workingDir)
		if err != nil || !st.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidWorkingDir, workingDir)
		}
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workingDir
	if env != nil {
		cmd.Env = env
	}
	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	return &Handle{master: master, cmd: cmd, pid: cmd.Process.Pid}, nil
}

func (h *Handle) PID() int {
	return h.pid
}

// Read blocks until output bytes are available on the PTY master. It returns
// io.EOF-equivalent errors once the child exits and the slave side closes;
// the caller (the session's output pump) treats any error as end of stream.
func (h *Handle) Read(p []byte) (int, error) {
	return h.master.Read(p)
}

// WriteStdin writes raw bytes to the PTY master, as if typed. No newline is
// appended; key translation happens on the shim side. A positive timeout
// bounds the write so a child that stopped draining its input cannot stall
// the caller.
func (h *Handle) WriteStdin(p []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := h.master.SetWriteDeadline(time.Now().Add(timeout)); err == nil {
			defer h.master.SetWriteDeadline(time.Time{}) //nolint:errcheck
		}
	}
	if _, err := h.master.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Resize propagates a window-size change to the child (TIOCSWINSZ).
func (h *Handle) Resize(rows, cols int) error {
	err := pty.Setsize(h.master, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Terminate signals the child and returns without waiting for exit. Exit is
// observed asynchronously by whoever is draining Read and calling Wait.
func (h *Handle) Terminate() error {
	if h.cmd.Process == nil {
		return ErrClosed
	}
	if err := h.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal child: %w", err)
	}
	return nil
}

// Wait reaps the child and reports its exit code. Signal deaths map to
// 128+signal the way a shell reports them; -1 means the child could not be
// reaped at all. Call exactly once, after Read has returned an error (child
// gone or master closed).
func (h *Handle) Wait() int {
	state, err := h.cmd.Process.Wait()
	if err != nil || state == nil {
		return -1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return -1
}

// Close releases the master file descriptor. Safe after Terminate.
func (h *Handle) Close() error {
	return h.master.Close()
}
