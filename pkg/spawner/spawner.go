// Package spawner turns command specifications into running OS processes.
// It performs no supervision beyond handing back an exclusively-owned
// process handle.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Command describes one process to spawn.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory of the process; empty inherits the
	// caller's directory.
	Dir string
	// Env replaces the environment when non-nil.
	Env []string
	// Stdout/Stderr receive the process output; nil discards it.
	Stdout io.Writer
	Stderr io.Writer
	// Stdin feeds the process; nil attaches /dev/null.
	Stdin io.Reader
}

// Spawner starts a process from a Command. Implementations differ only in
// the identity the process runs as.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (*Handle, error)
}

// ErrElevatorMissing reports that the configured elevation program does not
// exist on the host.
var ErrElevatorMissing = errors.New("elevation program not found")

// ErrElevationFailed reports that the elevation program itself exited with
// a non-zero status before the payload could start.
var ErrElevationFailed = errors.New("elevation program failed")

// Error wraps an OS-level spawn failure with the command it concerned.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
