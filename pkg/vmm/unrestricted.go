package vmm

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/kanpov/fctools/pkg/fsbackend"
	"github.com/kanpov/fctools/pkg/installation"
	"github.com/kanpov/fctools/pkg/spawner"
)

// SocketFileName is the API socket file created inside the working
// directory of an unrestricted instance.
const SocketFileName = "api.sock"

// UnrestrictedSpec configures an unrestricted executor invocation.
type UnrestrictedSpec struct {
	Installation *installation.Installation
	ID           ID
	// BaseDir is the directory under which the per-instance working
	// directory {BaseDir}/{ID} is created.
	BaseDir   string
	Resources []Resource
	Args      Args
	// ExtraArgs are VMM-binary-specific flags passed through opaquely.
	ExtraArgs []string
	Env       []string
	Logger    *slog.Logger
}

// Unrestricted runs the VMM binary directly inside a per-instance working
// directory, as the current host identity. Rootless, given access to the
// virtualization device.
type Unrestricted struct {
	install   *installation.Installation
	id        ID
	workDir   string
	resources []Resource
	args      Args
	extraArgs []string
	env       []string
	logger    *slog.Logger
}

// NewUnrestricted builds the executor. The socket path is computed from the
// working directory unless Args already carries one.
func NewUnrestricted(spec UnrestrictedSpec) (*Unrestricted, error) {
	if spec.Installation == nil {
		return nil, errors.New("unrestricted executor requires an installation")
	}
	if spec.BaseDir == "" {
		return nil, errors.New("unrestricted executor requires a base directory")
	}
	if spec.ID == "" {
		spec.ID = NewID()
	}
	if spec.Logger == nil {
		spec.Logger = slog.Default()
	}

	workDir := filepath.Join(spec.BaseDir, string(spec.ID))

	args := spec.Args
	if !args.DisableAPI && args.SocketPath == "" {
		args.SocketPath = filepath.Join(workDir, SocketFileName)
	}

	return &Unrestricted{
		install:   spec.Installation,
		id:        spec.ID,
		workDir:   workDir,
		resources: spec.Resources,
		args:      args,
		extraArgs: spec.ExtraArgs,
		env:       spec.Env,
		logger:    spec.Logger,
	}, nil
}

// ID returns the instance id the executor was built with.
func (u *Unrestricted) ID() ID { return u.id }

// WorkDir returns the per-instance working directory.
func (u *Unrestricted) WorkDir() string { return u.workDir }

func (u *Unrestricted) SocketPath() string { return u.args.SocketPath }

// OuterPath is the identity for the unrestricted executor: the VMM sees the
// host filesystem as-is.
func (u *Unrestricted) OuterPath(inner string) string {
	if filepath.IsAbs(inner) {
		return inner
	}
	return join(u.workDir, inner)
}

// Prepare creates the working directory and places the declared resources
// under it. On failure, partial state remains reversible via Cleanup.
func (u *Unrestricted) Prepare(ctx context.Context, fs fsbackend.Backend) error {
	u.logger.Debug("preparing vmm environment", "id", u.id, "work_dir", u.workDir)

	if err := fs.CreateDir(ctx, u.workDir); err != nil {
		return &ExecutorError{Stage: "prepare", Err: err}
	}

	// A stale socket from a previous run at the same path keeps the VMM
	// from binding.
	if u.args.SocketPath != "" {
		if err := fs.RemoveAll(ctx, u.args.SocketPath); err != nil {
			return &ExecutorError{Stage: "prepare", Err: err}
		}
	}

	destFor := func(res Resource) string { return join(u.workDir, res.Dest) }
	if err := placeResources(ctx, fs, u.resources, destFor); err != nil {
		return &ExecutorError{Stage: "prepare", Err: err}
	}

	return nil
}

// Invoke spawns the VMM binary pointed at the prepared directory and
// socket. The spawner performs no supervision; the returned handle is owned
// by the caller.
func (u *Unrestricted) Invoke(ctx context.Context, sp spawner.Spawner) (*spawner.Handle, error) {
	argv := u.args.Build()
	argv = append(argv, "--id", string(u.id))
	argv = append(argv, u.extraArgs...)

	u.logger.Info("invoking vmm", "id", u.id, "binary", u.install.VmmPath)

	handle, err := sp.Spawn(ctx, spawner.Command{
		Path: u.install.VmmPath,
		Args: argv,
		Dir:  u.workDir,
		Env:  u.env,
	})
	if err != nil {
		return nil, &ExecutorError{Stage: "invoke", Err: err}
	}
	return handle, nil
}

// Cleanup removes the working directory tree. Calling it twice, or after a
// failed Prepare, succeeds.
func (u *Unrestricted) Cleanup(ctx context.Context, fs fsbackend.Backend) error {
	if err := fs.RemoveAll(ctx, u.workDir); err != nil {
		return &ExecutorError{Stage: "cleanup", Err: err}
	}
	return nil
}
