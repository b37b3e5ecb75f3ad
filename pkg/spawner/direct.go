package spawner

import (
	"context"
	"os/exec"
)

// Direct spawns the command as the current host identity.
type Direct struct{}

// NewDirect returns the plain spawner.
func NewDirect() Direct { return Direct{} }

func (Direct) Spawn(ctx context.Context, cmd Command) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return start(cmd.Path, cmd.Args, cmd)
}

// start launches argv with the stdio and environment of spec. The process
// is deliberately not bound to a context: its lifetime belongs to the
// returned handle, not to the spawning call.
func start(path string, args []string, spec Command) (*Handle, error) {
	c := exec.Command(path, args...)
	c.Dir = spec.Dir
	c.Env = spec.Env
	c.Stdout = spec.Stdout
	c.Stderr = spec.Stderr
	c.Stdin = spec.Stdin

	if err := c.Start(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return Attached(c), nil
}
