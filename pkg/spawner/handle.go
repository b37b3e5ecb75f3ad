package spawner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const detachedPollInterval = 100 * time.Millisecond

// ExitStatus is the observed termination status of a process. Code is -1
// when the process was killed by a signal, matching os/exec conventions.
// Detached processes are not our children, so their real status is
// unobservable and reported as 0.
type ExitStatus struct {
	Code int
}

// Handle is an exclusively-owned reference to one spawned process. It is
// either attached (a direct child, reaped by the handle) or detached (a
// pid-only reference to a process that daemonized away from us).
type Handle struct {
	pid      int
	proc     *os.Process
	done     chan struct{}
	mu       sync.Mutex
	status   *ExitStatus
	attached bool
}

// Attached wraps a started exec.Cmd. The handle takes over reaping; the
// caller must not call cmd.Wait itself.
func Attached(cmd *exec.Cmd) *Handle {
	h := &Handle{
		pid:      cmd.Process.Pid,
		proc:     cmd.Process,
		done:     make(chan struct{}),
		attached: true,
	}

	go func() {
		err := cmd.Wait()

		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err == nil {
			code = 0
		}

		h.mu.Lock()
		h.status = &ExitStatus{Code: code}
		h.mu.Unlock()
		close(h.done)
	}()

	return h
}

// Detached references a process by pid, typically one re-parented to init
// by a daemonizing wrapper. Exit is detected by signal-0 polling.
func Detached(pid int) (*Handle, error) {
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return nil, &Error{Path: "", Err: err}
	}

	h := &Handle{
		pid:  pid,
		done: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(detachedPollInterval)
		defer ticker.Stop()

		for range ticker.C {
			if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
				h.mu.Lock()
				h.status = &ExitStatus{Code: 0}
				h.mu.Unlock()
				close(h.done)
				return
			}
		}
	}()

	return h, nil
}

// Pid returns the OS process id of the handle.
func (h *Handle) Pid() int { return h.pid }

// Attached reports whether the handle reaps a direct child.
func (h *Handle) Attached() bool { return h.attached }

// Signal delivers sig to the process. Signaling an already-exited process
// returns nil.
func (h *Handle) Signal(sig unix.Signal) error {
	if h.TryWait() != nil {
		return nil
	}

	var err error
	if h.attached {
		err = h.proc.Signal(sig)
	} else {
		err = unix.Kill(h.pid, sig)
	}

	if errors.Is(err, unix.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Kill forcefully terminates the process.
func (h *Handle) Kill() error {
	return h.Signal(unix.SIGKILL)
}

// Wait blocks until the process exits or ctx is done. A context failure
// leaves the process running; it is the caller's job to kill it.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return *h.loadStatus(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// TryWait reports the exit status without blocking, or nil while the
// process is still running.
func (h *Handle) TryWait() *ExitStatus {
	select {
	case <-h.done:
		return h.loadStatus()
	default:
		return nil
	}
}

func (h *Handle) loadStatus() *ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}
