package dbclient

import (
	"context"
	"sync/atomic"
)

// Client is a handle bound to one shared pool. Each handle has its own id;
// closing it releases the handle's reference to the pool, not the pool.
type Client struct {
	id       string
	registry *Registry
	ref      *poolRef
	closed   atomic.Bool
}

func newClient(r *Registry, ref *poolRef) *Client {
	return &Client{
		id:       r.newID(),
		registry: r,
		ref:      ref,
	}
}

// ID returns the correlation id assigned when the handle was created.
func (c *Client) ID() string {
	return c.id
}

// Descriptor returns the normalized descriptor of the underlying pool.
func (c *Client) Descriptor() Descriptor {
	return c.ref.desc
}

// Query runs a statement that returns rows.
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	if c.closed.Load() {
		return nil, newError("query", ErrPoolClosed, nil)
	}
	return c.ref.pool.Execute(ctx, Statement{SQL: query, Args: args, Query: true})
}

// Exec runs a statement that does not return rows.
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	if c.closed.Load() {
		return nil, newError("exec", ErrPoolClosed, nil)
	}
	return c.ref.pool.Execute(ctx, Statement{SQL: query, Args: args})
}

// Ping leases a validated connection and returns it.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return newError("ping", ErrPoolClosed, nil)
	}
	return c.ref.pool.Ping(ctx)
}

// Stats returns the stats of the underlying pool.
func (c *Client) Stats() Stats {
	return c.ref.pool.Stats()
}
