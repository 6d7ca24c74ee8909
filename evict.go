package dbclient

import (
	"context"
	"fmt"
	"time"
)

// evictLoop 定期淘汰空闲连接，直到 Drain
func (c *ChannelPool) evictLoop(interval time.Duration) {
	defer close(c.evictDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopEvict:
			return
		case <-ticker.C:
			c.Evict()
		}
	}
}

// Evict runs one eviction round:
//  1. closes idle connections unused for longer than IdleTimeout, oldest
//     first, never taking the idle count below MinIdle;
//  2. validates idle connections not used within the last EvictionInterval,
//     one at a time, and discards failures;
//  3. opens connections until MinIdle idle connections exist.
//
// Leased connections are never touched. A caller that starts waiting for a
// connection interrupts validation and gets the connection being checked.
// Failures are logged only.
func (c *ChannelPool) Evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	now := time.Now()

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}

	var expired []*PooledConnection
	if c.settings.IdleTimeout > 0 {
		removable := len(c.idle) - c.settings.MinIdle
		keep := c.idle[:0]
		for _, pc := range c.idle {
			if removable > 0 && now.Sub(pc.lastUsedAt) > c.settings.IdleTimeout {
				expired = append(expired, pc)
				removable--
				continue
			}
			keep = append(keep, pc)
		}
		for i := len(keep); i < len(c.idle); i++ {
			c.idle[i] = nil
		}
		c.idle = keep
		c.evicted += uint64(len(expired))
		c.closedConns += uint64(len(expired))
		for range expired {
			c.handoffSlotLocked()
		}
	}

	// 最近借出过的连接在借出时已经校验过
	var candidates []*PooledConnection
	for _, pc := range c.idle {
		if now.Sub(pc.lastUsedAt) >= c.settings.EvictionInterval {
			candidates = append(candidates, pc)
		}
	}
	c.mu.Unlock()

	for _, pc := range expired {
		c.closeConn(pc.conn)
	}
	if len(expired) > 0 {
		c.log.WithField("evicted", len(expired)).Debug("closed idle connections past idle timeout")
	}

	var failed int
	var lastErr error
	for _, pc := range candidates {
		ctx, cancel, ok, stop := c.takeForProbe(pc, now)
		if stop {
			break
		}
		if !ok {
			continue
		}
		r := c.probe(ctx, pc)
		c.mu.Lock()
		c.probeCancel = nil
		c.mu.Unlock()
		cancel()

		if r.yielded {
			break
		}
		if r.err != nil {
			failed++
			lastErr = r.err
		}
	}

	if lastErr != nil {
		c.log.WithError(lastErr).WithField("failed", failed).Warn("idle connections failed validation")
		c.health.RecordResult(false, fmt.Sprintf("%d idle connections failed validation: %v", failed, lastErr))
	}

	rctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
	defer cancel()
	if err := c.replenish(rctx); err != nil {
		c.health.RecordResult(false, err.Error())
		return
	}
	if lastErr == nil {
		c.health.RecordResult(true, "")
	}
}

// takeForProbe 将 pc 从空闲集合移到预留名额中以便校验
// pc 已被借出或刚用过时 ok 为 false；连接池关闭或有等待者时 stop 为 true
func (c *ChannelPool) takeForProbe(pc *PooledConnection, since time.Time) (ctx context.Context, cancel context.CancelFunc, ok, stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining || len(c.connReqs) > 0 {
		return nil, nil, false, true
	}
	i := c.idleIndexLocked(pc)
	if i < 0 || since.Sub(pc.lastUsedAt) < c.settings.EvictionInterval {
		return nil, nil, false, false
	}
	copy(c.idle[i:], c.idle[i+1:])
	c.idle[len(c.idle)-1] = nil
	c.idle = c.idle[:len(c.idle)-1]
	c.reserved++

	ctx, cancel = context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
	c.probeCancel = cancel
	return ctx, cancel, true, false
}

func (c *ChannelPool) idleIndexLocked(pc *PooledConnection) int {
	for i, p := range c.idle {
		if p == pc {
			return i
		}
	}
	return -1
}

// putBackLocked returns probed connections: waiters first, the rest go in
// front of the idle slice since they are older than anything released
// while they were being probed.
func (c *ChannelPool) putBackLocked(conns []*PooledConnection) {
	for len(conns) > 0 && len(c.connReqs) > 0 {
		c.putLocked(conns[0])
		conns = conns[1:]
	}
	if len(conns) == 0 {
		return
	}
	c.idle = append(append(make([]*PooledConnection, 0, len(conns)+len(c.idle)), conns...), c.idle...)
}

// replenish 补足 MinIdle 条空闲连接
func (c *ChannelPool) replenish(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.draining || len(c.idle) >= c.settings.MinIdle ||
			c.totalLocked() >= c.settings.MaxActive || len(c.connReqs) > 0 {
			c.mu.Unlock()
			return nil
		}
		c.reserved++
		c.mu.Unlock()

		conn, err := c.factory.Open(ctx, c.desc)

		c.mu.Lock()
		c.reserved--
		if err != nil {
			c.handoffSlotLocked()
			c.checkDrainedLocked()
			c.mu.Unlock()
			c.log.WithError(err).Warn("replenish idle connections failed")
			return err
		}
		c.opened++
		if c.draining {
			c.closedConns++
			c.checkDrainedLocked()
			c.mu.Unlock()
			c.closeConn(conn)
			return nil
		}
		now := time.Now()
		c.putLocked(&PooledConnection{conn: conn, createdAt: now, lastUsedAt: now})
		c.mu.Unlock()
	}
}
