package vmm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kanpov/fctools/pkg/fsbackend"
	"github.com/kanpov/fctools/pkg/installation"
	"github.com/kanpov/fctools/pkg/spawner"
)

const (
	// Removal of a chroot can race lazily-unmounted resources; retry a few
	// times before surfacing the error.
	cleanupRetries  = 5
	cleanupInterval = 100 * time.Millisecond

	pidFilePollInterval = 50 * time.Millisecond
)

// JailedSpec configures a jailed executor invocation.
type JailedSpec struct {
	Installation *installation.Installation
	ID           ID
	Jail         JailConfig
	Resources    []Resource
	// Args are the VMM's own arguments with all paths expressed relative
	// to the chroot root, the way the VMM will see them.
	Args Args
	// ExtraArgs are VMM-binary-specific flags passed through opaquely.
	ExtraArgs []string
	Logger    *slog.Logger
}

// Jailed runs the VMM inside a chroot prepared for the jailer binary, which
// drops privileges to the configured uid/gid before exec'ing the VMM. The
// jailer itself needs privilege, so Invoke expects an elevated spawner.
type Jailed struct {
	install   *installation.Installation
	id        ID
	jail      JailConfig
	resources []Resource
	args      Args
	extraArgs []string
	logger    *slog.Logger

	// jailDir is {chroot_base}/{vmm_binary_name}/{id}; jailRoot is the
	// "root" directory beneath it that becomes the chroot.
	jailDir  string
	jailRoot string
}

// NewJailed builds the executor, resolving the jail identity against the
// host up front so configuration mistakes surface before any spawn.
func NewJailed(spec JailedSpec) (*Jailed, error) {
	if spec.Installation == nil {
		return nil, errors.New("jailed executor requires an installation")
	}
	if spec.Installation.JailerPath == "" {
		return nil, errors.New("jailed executor requires an installation with a jailer binary")
	}
	if spec.ID == "" {
		spec.ID = NewID()
	}
	if spec.Logger == nil {
		spec.Logger = slog.Default()
	}

	if err := spec.Jail.Validate(); err != nil {
		return nil, err
	}

	args := spec.Args
	if !args.DisableAPI && args.SocketPath == "" {
		args.SocketPath = "/" + SocketFileName
	}

	binName := filepath.Base(spec.Installation.VmmPath)
	jailDir := filepath.Join(spec.Jail.ChrootBase(), binName, string(spec.ID))

	return &Jailed{
		install:   spec.Installation,
		id:        spec.ID,
		jail:      spec.Jail,
		resources: spec.Resources,
		args:      args,
		extraArgs: spec.ExtraArgs,
		logger:    spec.Logger,
		jailDir:   jailDir,
		jailRoot:  filepath.Join(jailDir, "root"),
	}, nil
}

// ID returns the instance id the executor was built with.
func (j *Jailed) ID() ID { return j.id }

// ChrootRoot returns the host path of the chroot root directory.
func (j *Jailed) ChrootRoot() string { return j.jailRoot }

// SocketPath is the host path of the socket the jailed VMM binds inside
// the chroot.
func (j *Jailed) SocketPath() string {
	if j.args.DisableAPI {
		return ""
	}
	return join(j.jailRoot, j.args.SocketPath)
}

// OuterPath maps a chroot-relative path to its host location.
func (j *Jailed) OuterPath(inner string) string {
	return join(j.jailRoot, inner)
}

// Prepare builds the chroot skeleton, links the VMM binary and declared
// resources into it (copying across filesystem boundaries), and hands the
// tree to the jail identity.
func (j *Jailed) Prepare(ctx context.Context, backend fsbackend.Backend) error {
	j.logger.Debug("preparing jail", "id", j.id, "chroot", j.jailRoot,
		"uid", j.jail.UID, "gid", j.jail.GID)

	// A leftover jail under the same id would leak stale resources into
	// this instance.
	found, err := backend.Exists(ctx, j.jailRoot)
	if err != nil {
		return &ExecutorError{Stage: "prepare", Err: err}
	}
	if found {
		if err := backend.RemoveAll(ctx, j.jailRoot); err != nil {
			return &ExecutorError{Stage: "prepare", Err: err}
		}
	}

	if err := backend.CreateDir(ctx, j.jailRoot); err != nil {
		return &ExecutorError{Stage: "prepare", Err: err}
	}

	if !j.args.DisableAPI {
		if parent := filepath.Dir(join(j.jailRoot, j.args.SocketPath)); parent != j.jailRoot {
			if err := backend.CreateDir(ctx, parent); err != nil {
				return &ExecutorError{Stage: "prepare", Err: err}
			}
		}
	}

	// The VMM binary itself lives in the chroot under its own name and is
	// placed like any other resource.
	binResource := Resource{
		Source:    j.install.VmmPath,
		Dest:      filepath.Base(j.install.VmmPath),
		Placement: PlaceHardlinkOrCopy,
	}

	destFor := func(res Resource) string { return join(j.jailRoot, res.Dest) }
	if err := placeResources(ctx, backend, append([]Resource{binResource}, j.resources...), destFor); err != nil {
		return &ExecutorError{Stage: "prepare", Err: err}
	}

	if err := j.chownTree(ctx, backend, j.jailRoot); err != nil {
		return &ExecutorError{Stage: "prepare", Err: err}
	}

	return nil
}

// chownTree hands every node under root to the jail identity so the
// privilege-dropped VMM can access its files.
func (j *Jailed) chownTree(ctx context.Context, backend fsbackend.Backend, root string) error {
	return filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return backend.SetOwner(ctx, path, j.jail.UID, j.jail.GID)
	})
}

// Invoke spawns the jailer binary, which chroots, drops privileges and
// execs the VMM. The returned handle is valid once the jailer has spawned,
// independent of what happens inside the chroot. With daemonization the
// jailer re-parents the VMM and exits, so the handle is rebuilt from the
// pid file the VMM writes inside the jail.
func (j *Jailed) Invoke(ctx context.Context, sp spawner.Spawner) (*spawner.Handle, error) {
	argv := j.jail.Build(j.id, j.install.VmmPath)
	argv = append(argv, "--")
	argv = append(argv, j.args.Build()...)
	argv = append(argv, j.extraArgs...)

	j.logger.Info("invoking jailed vmm", "id", j.id, "jailer", j.install.JailerPath)

	handle, err := sp.Spawn(ctx, spawner.Command{
		Path: j.install.JailerPath,
		Args: argv,
	})
	if err != nil {
		return nil, &ExecutorError{Stage: "invoke", Err: err}
	}

	if !j.jail.Daemonize {
		return handle, nil
	}

	status, err := handle.Wait(ctx)
	if err != nil {
		_ = handle.Kill()
		return nil, &ExecutorError{Stage: "invoke", Err: err}
	}
	if status.Code != 0 {
		return nil, &ExecutorError{Stage: "invoke",
			Err: fmt.Errorf("jailer exited with status %d before daemonizing", status.Code)}
	}

	pid, err := j.awaitPidFile(ctx)
	if err != nil {
		return nil, &ExecutorError{Stage: "invoke", Err: err}
	}

	detached, err := spawner.Detached(pid)
	if err != nil {
		return nil, &ExecutorError{Stage: "invoke", Err: err}
	}

	j.logger.Info("jailed vmm daemonized", "id", j.id, "pid", pid)
	return detached, nil
}

// awaitPidFile polls for the pid file the daemonized VMM writes into the
// jail root.
func (j *Jailed) awaitPidFile(ctx context.Context) (int, error) {
	pidPath := filepath.Join(j.jailRoot, filepath.Base(j.install.VmmPath)+".pid")

	ticker := time.NewTicker(pidFilePollInterval)
	defer ticker.Stop()

	for {
		content, err := os.ReadFile(pidPath)
		if err == nil {
			if pid, parseErr := strconv.Atoi(strings.TrimSpace(string(content))); parseErr == nil {
				return pid, nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("pid file %s: %w", pidPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Cleanup removes the whole per-instance jail subtree. The directory can be
// momentarily busy while the kernel releases lazily-unmounted resources, so
// removal retries briefly before surfacing the error. Nothing to clean is
// success.
func (j *Jailed) Cleanup(ctx context.Context, backend fsbackend.Backend) error {
	var err error

	for attempt := 0; attempt < cleanupRetries; attempt++ {
		if err = backend.RemoveAll(ctx, j.jailDir); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return &ExecutorError{Stage: "cleanup", Err: ctx.Err()}
		case <-time.After(cleanupInterval):
		}
	}

	return &ExecutorError{Stage: "cleanup", Err: err}
}
