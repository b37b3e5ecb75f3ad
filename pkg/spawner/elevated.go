package spawner

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// Elevated spawns commands through a privilege-elevation program such as
// sudo or doas. The program must be configured for non-interactive use; no
// credential prompt is ever answered.
type Elevated struct {
	// Program is the elevation binary, looked up on PATH if not absolute.
	Program string
	// Flags are fixed arguments always passed to the program, e.g. "-n".
	Flags []string
	// UID/GID select the identity the payload runs as. Nil keeps the
	// program's default target (usually root).
	UID *uint32
	GID *uint32

	preflight    sync.Once
	preflightErr error
}

// NewElevated builds a spawner around the given elevation program.
func NewElevated(program string, flags ...string) *Elevated {
	return &Elevated{Program: program, Flags: flags}
}

// WithIdentity sets the target uid/gid of spawned payloads.
func (e *Elevated) WithIdentity(uid, gid uint32) *Elevated {
	e.UID = &uid
	e.GID = &gid
	return e
}

func (e *Elevated) Spawn(ctx context.Context, cmd Command) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	program, err := exec.LookPath(e.Program)
	if err != nil {
		return nil, &Error{Path: e.Program, Err: fmt.Errorf("%w: %v", ErrElevatorMissing, err)}
	}

	if err := e.verify(ctx, program); err != nil {
		return nil, err
	}

	return start(program, e.argv(cmd), cmd)
}

// verify runs the elevation program once against /bin/true so that a broken
// non-interactive setup fails fast with a distinguishable error instead of
// surfacing later as a bogus VMM exit.
func (e *Elevated) verify(ctx context.Context, program string) error {
	e.preflight.Do(func() {
		argv := e.argv(Command{Path: "/bin/true"})
		probe := exec.CommandContext(ctx, program, argv...)

		if err := probe.Run(); err != nil {
			e.preflightErr = &Error{
				Path: e.Program,
				Err:  fmt.Errorf("%w: %v", ErrElevationFailed, err),
			}
		}
	})
	return e.preflightErr
}

// argv assembles: fixed flags, identity selection, separator, payload.
func (e *Elevated) argv(cmd Command) []string {
	argv := append([]string{}, e.Flags...)

	if e.UID != nil {
		argv = append(argv, "-u", fmt.Sprintf("#%d", *e.UID))
	}
	if e.GID != nil {
		argv = append(argv, "-g", fmt.Sprintf("#%d", *e.GID))
	}

	argv = append(argv, "--", cmd.Path)
	return append(argv, cmd.Args...)
}
