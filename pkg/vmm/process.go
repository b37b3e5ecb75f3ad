package vmm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kanpov/fctools/pkg/spawner"
)

const socketPollInterval = 25 * time.Millisecond

// ProcessState is the lifecycle state of a VMM process. Transitions are
// monotonic: a state is never revisited, and Exited/Crashed are terminal.
type ProcessState int

const (
	StateAwaitingStart ProcessState = iota
	StateStarted
	StateExited
	StateCrashed
)

func (s ProcessState) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting-start"
	case StateStarted:
		return "started"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

var (
	// ErrStartTimeout means the control socket never became connectable
	// within the caller's timeout. The process is killed before this is
	// returned.
	ErrStartTimeout = errors.New("vmm start timed out waiting for control socket")
	// ErrUnexpectedExit means the VMM process terminated while it was
	// still expected to be starting or serving.
	ErrUnexpectedExit = errors.New("vmm process exited unexpectedly")
)

// InvalidStateError reports an operation attempted in a state that does not
// permit it. No I/O is performed when it is returned.
type InvalidStateError struct {
	Op    string
	State ProcessState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %q invalid in state %s", e.Op, e.State)
}

// ControlChannelError wraps an I/O failure on the control socket.
type ControlChannelError struct {
	Err error
}

func (e *ControlChannelError) Error() string {
	return fmt.Sprintf("control channel: %v", e.Err)
}

func (e *ControlChannelError) Unwrap() error { return e.Err }

// Response is the outcome of one control request. The body is opaque to
// the SDK.
type Response struct {
	StatusCode int
	Body       []byte
}

// Process wraps a spawned VMM in an explicit state machine and owns its
// control channel. Exactly one Process owns a given handle.
type Process struct {
	exec   Executor
	handle *spawner.Handle
	logger *slog.Logger
	client *http.Client

	// socketOps counts actual dials of the control socket, observable in
	// tests to prove that invalid-state requests perform no I/O.
	socketOps atomic.Int64

	mu          sync.Mutex
	state       ProcessState
	exitStatus  *spawner.ExitStatus
	crashReason error

	// reqMu serializes control requests: the channel is not safe for
	// concurrent multiplexed use, so concurrent callers queue here.
	reqMu sync.Mutex
}

// NewProcess takes exclusive ownership of the handle produced by the
// executor's Invoke. The process starts in AwaitingStart.
func NewProcess(exec Executor, handle *spawner.Handle, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Process{
		exec:   exec,
		handle: handle,
		logger: logger,
		state:  StateAwaitingStart,
	}

	socketPath := exec.SocketPath()
	p.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				p.socketOps.Add(1)
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	return p
}

// Start polls until the control socket accepts connections, then moves to
// Started. Exceeding the timeout kills the process and fails with
// ErrStartTimeout; an early process death fails with ErrUnexpectedExit.
func (p *Process) Start(ctx context.Context, timeout time.Duration) error {
	if err := p.require("start", StateAwaitingStart); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()

	socketPath := p.exec.SocketPath()

	for {
		if status := p.handle.TryWait(); status != nil {
			p.setState(StateCrashed, nil, ErrUnexpectedExit)
			return fmt.Errorf("%w: exit status %d", ErrUnexpectedExit, status.Code)
		}

		conn, err := net.DialTimeout("unix", socketPath, socketPollInterval)
		if err == nil {
			p.socketOps.Add(1)
			_ = conn.Close()
			p.setState(StateStarted, nil, nil)
			p.logger.Info("vmm started", "pid", p.handle.Pid(), "socket", socketPath)
			return nil
		}

		if time.Now().After(deadline) {
			p.abortStart(ErrStartTimeout)
			return ErrStartTimeout
		}

		select {
		case <-ctx.Done():
			p.abortStart(ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// abortStart kills the process whose start never completed so that nothing
// is left running, then records cause as the crash reason.
func (p *Process) abortStart(cause error) {
	_ = p.handle.Kill()

	reapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = p.handle.Wait(reapCtx)

	p.setState(StateCrashed, nil, cause)
	p.logger.Warn("vmm start aborted", "pid", p.handle.Pid())
}

// State reports the current lifecycle state, folding in an exit the OS has
// observed since the last call.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	return p.state
}

// ExitStatus returns the observed exit status once the process reached
// Exited, or nil.
func (p *Process) ExitStatus() *spawner.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

// Pid is the VMM's process id; valid once Started.
func (p *Process) Pid() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()

	if p.state == StateAwaitingStart {
		return 0, &InvalidStateError{Op: "pid", State: p.state}
	}
	return p.handle.Pid(), nil
}

// SocketOps reports how many times the control socket was actually dialed.
func (p *Process) SocketOps() int64 {
	return p.socketOps.Load()
}

// SendRequest performs one control request. Valid only in Started; any
// other state fails immediately with InvalidStateError and touches no
// socket. At most one request is in flight at a time; concurrent callers
// queue.
func (p *Process) SendRequest(ctx context.Context, method, path string, body []byte) (*Response, error) {
	if err := p.require("send_request", StateStarted); err != nil {
		return nil, err
	}

	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bytes.NewReader(body))
	if err != nil {
		return nil, &ControlChannelError{Err: err}
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// The caller giving up mid-request says nothing about the channel:
		// the VMM stays Started and remains usable.
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			p.observeChannelFailure(err)
		}
		return nil, &ControlChannelError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ControlChannelError{Err: err}
	}

	return &Response{StatusCode: resp.StatusCode, Body: payload}, nil
}

// observeChannelFailure decides between Crashed (socket gone, process
// alive) and Exited (process gone) after a control I/O error.
func (p *Process) observeChannelFailure(cause error) {
	if status := p.handle.TryWait(); status != nil {
		p.setState(StateExited, status, nil)
		return
	}
	p.setState(StateCrashed, nil, cause)
}

// Shutdown signals graceful termination and awaits exit within grace; if
// the grace period elapses the process is killed. The final state is
// Exited with the observed status.
func (p *Process) Shutdown(ctx context.Context, grace time.Duration) (spawner.ExitStatus, error) {
	if err := p.require("shutdown", StateStarted); err != nil {
		return spawner.ExitStatus{}, err
	}

	p.logger.Info("shutting down vmm", "pid", p.handle.Pid(), "grace", grace)

	if err := p.handle.Signal(unix.SIGTERM); err != nil {
		return spawner.ExitStatus{}, fmt.Errorf("signal vmm: %w", err)
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	status, err := p.handle.Wait(graceCtx)
	if err != nil {
		if ctx.Err() != nil {
			return spawner.ExitStatus{}, ctx.Err()
		}

		p.logger.Warn("grace period elapsed, killing vmm", "pid", p.handle.Pid())
		if err := p.handle.Kill(); err != nil {
			return spawner.ExitStatus{}, fmt.Errorf("kill vmm: %w", err)
		}

		status, err = p.handle.Wait(ctx)
		if err != nil {
			return spawner.ExitStatus{}, err
		}
	}

	p.setState(StateExited, &status, nil)
	return status, nil
}

// Kill forcefully terminates the VMM without a grace period.
func (p *Process) Kill() error {
	if err := p.require("kill", StateStarted); err != nil {
		return err
	}
	return p.handle.Kill()
}

// WaitExit blocks until the process terminates on its own and records the
// transition to Exited.
func (p *Process) WaitExit(ctx context.Context) (spawner.ExitStatus, error) {
	status, err := p.handle.Wait(ctx)
	if err != nil {
		return spawner.ExitStatus{}, err
	}

	p.setState(StateExited, &status, nil)
	return status, nil
}

// require fails with InvalidStateError unless the current (refreshed)
// state is exactly want.
func (p *Process) require(op string, want ProcessState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()

	if p.state != want {
		return &InvalidStateError{Op: op, State: p.state}
	}
	return nil
}

// refreshLocked folds an OS-observed exit into the state machine.
func (p *Process) refreshLocked() {
	if p.state != StateStarted {
		return
	}
	if status := p.handle.TryWait(); status != nil {
		p.state = StateExited
		p.exitStatus = status
	}
}

// setState performs a guarded transition. Terminal states are frozen;
// reaching them again is a no-op rather than a corruption.
func (p *Process) setState(to ProcessState, status *spawner.ExitStatus, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateExited || p.state == StateCrashed {
		return
	}

	p.state = to
	if status != nil {
		p.exitStatus = status
	}
	if reason != nil {
		p.crashReason = reason
	}
}

// CrashReason returns what moved the process to Crashed, or nil.
func (p *Process) CrashReason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crashReason
}
