package fsbackend

import (
	"context"
	"runtime"
	"sync"
)

// Proxy marshals every operation to one dedicated goroutine that is locked
// to its OS thread for its whole lifetime. Use it when operations must touch
// OS state that cannot move between threads (thread-bound credentials,
// working directory, umask). Calls issued from a single goroutine are
// executed in FIFO order; no ordering is guaranteed across callers.
type Proxy struct {
	reqs      chan proxyRequest
	closeOnce sync.Once
}

type proxyRequest struct {
	fn  func() error
	res chan error
}

// NewProxy starts the owner goroutine and returns the backend.
func NewProxy() *Proxy {
	p := &Proxy{reqs: make(chan proxyRequest)}
	go p.owner()
	return p
}

func (p *Proxy) owner() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for req := range p.reqs {
		req.res <- req.fn()
	}
}

// Close stops the owner goroutine once all in-flight operations finish.
// Dispatching after Close panics on the closed channel, so Close only after
// all users are done.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() { close(p.reqs) })
}

func (p *Proxy) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := proxyRequest{fn: fn, res: make(chan error, 1)}

	select {
	case p.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) CreateDir(ctx context.Context, path string) error {
	return p.do(ctx, func() error { return createDir(path) })
}

func (p *Proxy) RemoveAll(ctx context.Context, path string) error {
	return p.do(ctx, func() error { return removeAll(path) })
}

func (p *Proxy) CopyFile(ctx context.Context, src, dst string) error {
	return p.do(ctx, func() error { return copyFile(src, dst) })
}

func (p *Proxy) HardlinkFile(ctx context.Context, src, dst string) error {
	return p.do(ctx, func() error { return hardlinkFile(src, dst) })
}

func (p *Proxy) Exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := p.do(ctx, func() error {
		var opErr error
		found, opErr = exists(path)
		return opErr
	})
	return found, err
}

func (p *Proxy) SetOwner(ctx context.Context, path string, uid, gid uint32) error {
	return p.do(ctx, func() error { return setOwner(path, uid, gid) })
}
