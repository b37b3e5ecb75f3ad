package fsbackend

import (
	"context"
	"sync"
)

const defaultPoolWorkers = 8

// Pool dispatches every operation to a bounded worker pool and blocks the
// calling goroutine until a worker completes it. This is the safe default
// backend with moderate throughput.
type Pool struct {
	ops       chan func()
	closeOnce sync.Once
}

// NewPool starts a backend with the given number of workers. A non-positive
// count selects a small default.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = defaultPoolWorkers
	}

	p := &Pool{ops: make(chan func())}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for fn := range p.ops {
		fn()
	}
}

// Close shuts down the worker pool. Operations dispatched before Close
// still complete; dispatching after Close panics on the closed channel, so
// Close only after all users are done.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.ops) })
}

func (p *Pool) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res := make(chan error, 1)

	select {
	case p.ops <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) CreateDir(ctx context.Context, path string) error {
	return p.do(ctx, func() error { return createDir(path) })
}

func (p *Pool) RemoveAll(ctx context.Context, path string) error {
	return p.do(ctx, func() error { return removeAll(path) })
}

func (p *Pool) CopyFile(ctx context.Context, src, dst string) error {
	return p.do(ctx, func() error { return copyFile(src, dst) })
}

func (p *Pool) HardlinkFile(ctx context.Context, src, dst string) error {
	return p.do(ctx, func() error { return hardlinkFile(src, dst) })
}

func (p *Pool) Exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := p.do(ctx, func() error {
		var opErr error
		found, opErr = exists(path)
		return opErr
	})
	return found, err
}

func (p *Pool) SetOwner(ctx context.Context, path string, uid, gid uint32) error {
	return p.do(ctx, func() error { return setOwner(path, uid, gid) })
}
