// Package fsbackend provides pluggable filesystem operation backends used by
// the VMM executors to materialize and tear down per-instance state.
//
// All backends produce identical filesystem trees for the same operation
// sequence; they differ only in how operations are scheduled onto the OS.
package fsbackend

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Backend executes filesystem operations on behalf of an executor. Every
// operation is self-contained; backends hold no per-path state.
type Backend interface {
	// CreateDir creates the directory and any missing parents.
	CreateDir(ctx context.Context, path string) error
	// RemoveAll removes the tree rooted at path. A missing path is a no-op,
	// not an error.
	RemoveAll(ctx context.Context, path string) error
	// CopyFile copies src to dst, preserving the file mode of src.
	CopyFile(ctx context.Context, src, dst string) error
	// HardlinkFile links src to dst. Linking across filesystems fails with
	// an error for which IsCrossDevice reports true.
	HardlinkFile(ctx context.Context, src, dst string) error
	// Exists reports whether the path is present.
	Exists(ctx context.Context, path string) (bool, error)
	// SetOwner changes ownership of a single filesystem node.
	SetOwner(ctx context.Context, path string, uid, gid uint32) error
}

// Error is returned by all backends on OS-level failures.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fs %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCrossDevice reports whether err is a failed hardlink attempt across
// filesystem boundaries. Callers placing resources with a hardlink request
// fall back to copying on exactly this failure.
func IsCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
