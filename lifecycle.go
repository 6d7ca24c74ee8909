package dbclient

import (
	"context"
	"sync"
)

// Close releases the handle. Only the first call has an effect; when it
// drops the last reference the pool is removed and drained in the
// background.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.registry.release(c.ref)
	c.registry.log.WithField("client", c.id).Debug("client closed")
	return nil
}

// release drops one reference to ref.
func (r *Registry) release(ref *poolRef) {
	r.mu.Lock()
	if ref.refs <= 0 {
		r.mu.Unlock()
		return
	}
	ref.refs--
	if ref.refs > 0 {
		r.mu.Unlock()
		return
	}
	if cur, ok := r.pools[ref.desc]; ok && cur == ref {
		delete(r.pools, ref.desc)
	}
	if r.closed {
		// Shutdown 已经负责关闭
		r.mu.Unlock()
		return
	}
	r.drains.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.drains.Done()
		r.drain(context.Background(), ref)
	}()
}

func (r *Registry) drain(ctx context.Context, ref *poolRef) {
	l := r.log.WithField("pool", ref.desc.Fingerprint())
	l.Debug("draining connection pool")
	if err := ref.pool.Drain(ctx); err != nil {
		l.WithError(err).Warn("drain connection pool failed")
		return
	}
	l.Info("connection pool closed")
}

// Shutdown drains every pool and waits for drains scheduled by closed
// clients. Afterwards the registry refuses new clients with ErrPoolClosed.
// Handles that are still open keep failing with ErrPoolClosed.
func (r *Registry) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	r.closed = true
	refs := make([]*poolRef, 0, len(r.pools))
	for _, ref := range r.pools {
		refs = append(refs, ref)
	}
	r.pools = make(map[Descriptor]*poolRef)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref *poolRef) {
			defer wg.Done()
			r.drain(ctx, ref)
		}(ref)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		r.drains.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return newError("shutdown", ErrTimeout, ctx.Err())
	}
}
