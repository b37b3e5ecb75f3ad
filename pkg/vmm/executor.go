// Package vmm contains the core of the SDK: argument builders, the two
// executor variants that materialize and invoke a VMM environment, and the
// process state machine wrapping a running VMM.
package vmm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kanpov/fctools/pkg/fsbackend"
	"github.com/kanpov/fctools/pkg/spawner"
)

// Placement selects how a resource file reaches its destination.
type Placement int

const (
	// PlaceCopy copies the file.
	PlaceCopy Placement = iota
	// PlaceHardlink hardlinks the file and fails across filesystems.
	PlaceHardlink
	// PlaceHardlinkOrCopy hardlinks, falling back to a copy when the link
	// fails because source and destination sit on different filesystems.
	PlaceHardlinkOrCopy
)

// Resource is one file the executor places into the instance environment.
// Dest is relative to the working directory (unrestricted) or to the chroot
// root (jailed); it is the path the guest-facing configuration references.
type Resource struct {
	Source    string
	Dest      string
	Placement Placement
}

// Executor prepares the execution environment of one VMM instance, invokes
// the VMM through a process spawner, and later removes everything it
// materialized. One executor owns one instance's directory tree for its
// whole lifetime; it is not reusable across instances.
type Executor interface {
	// SocketPath is the host path of the instance's API socket.
	SocketPath() string
	// OuterPath resolves a path as seen by the VMM into a host path.
	OuterPath(inner string) string

	Prepare(ctx context.Context, fs fsbackend.Backend) error
	Invoke(ctx context.Context, sp spawner.Spawner) (*spawner.Handle, error)
	Cleanup(ctx context.Context, fs fsbackend.Backend) error
}

// ExecutorError wraps a failure in one of the executor stages. A failed
// prepare leaves only state that Cleanup fully reverses.
type ExecutorError struct {
	Stage string
	Err   error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s: %v", e.Stage, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// ResourceMissingError reports a declared resource whose source path does
// not exist or is not accessible.
type ResourceMissingError struct {
	Path string
}

func (e *ResourceMissingError) Error() string {
	return fmt.Sprintf("expected resource missing: %s", e.Path)
}

// placeResources materializes every resource concurrently under destFor.
func placeResources(ctx context.Context, fs fsbackend.Backend, resources []Resource, destFor func(Resource) string) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, res := range resources {
		res := res
		eg.Go(func() error {
			found, err := fs.Exists(ctx, res.Source)
			if err != nil {
				return err
			}
			if !found {
				return &ResourceMissingError{Path: res.Source}
			}

			dst := destFor(res)
			if parent := filepath.Dir(dst); parent != "." {
				if err := fs.CreateDir(ctx, parent); err != nil {
					return err
				}
			}

			return placeFile(ctx, fs, res.Source, dst, res.Placement)
		})
	}

	return eg.Wait()
}

func placeFile(ctx context.Context, fs fsbackend.Backend, src, dst string, placement Placement) error {
	switch placement {
	case PlaceHardlink:
		return fs.HardlinkFile(ctx, src, dst)
	case PlaceHardlinkOrCopy:
		err := fs.HardlinkFile(ctx, src, dst)
		if fsbackend.IsCrossDevice(err) {
			return fs.CopyFile(ctx, src, dst)
		}
		return err
	default:
		return fs.CopyFile(ctx, src, dst)
	}
}

// join appends an instance-relative path to a host root, tolerating both
// "rootfs.ext4" and "/rootfs.ext4" forms of the inner path.
func join(root, inner string) string {
	return filepath.Join(root, strings.TrimPrefix(inner, "/"))
}
