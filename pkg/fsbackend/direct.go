package fsbackend

import "context"

// Direct issues operations inline on the calling goroutine. The Go runtime
// already parks a goroutine for the duration of a blocking syscall and keeps
// scheduling others, so this is the highest-concurrency strategy: no channel
// hop, no pool bound. Contexts are only consulted before dispatch; an
// operation that started is never abandoned half-way.
type Direct struct{}

// NewDirect returns the inline backend.
func NewDirect() Direct { return Direct{} }

func (Direct) CreateDir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return createDir(path)
}

func (Direct) RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return removeAll(path)
}

func (Direct) CopyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(src, dst)
}

func (Direct) HardlinkFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return hardlinkFile(src, dst)
}

func (Direct) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return exists(path)
}

func (Direct) SetOwner(ctx context.Context, path string, uid, gid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return setOwner(path, uid, gid)
}
