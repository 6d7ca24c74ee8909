package dbclient

import (
	"context"
	"errors"
)

var errProbeTimeout = errors.New("validation probe timeout")

type probeResult struct {
	err error
	// 有调用方开始等待连接，校验被中断，连接没有判定结果
	yielded bool
}

// probe validates one idle connection that has already been moved from idle
// to reserved. The slot stays reserved until Validate returns and the
// verdict is applied by the validating goroutine, so the connection is never
// closed or leased while the check is still using it. probe returns when the
// check finishes, when the probe timeout expires, or when ctx is cancelled
// because a caller started waiting.
func (c *ChannelPool) probe(ctx context.Context, pc *PooledConnection) probeResult {
	done := make(chan probeResult, 1)
	go func() {
		err := c.factory.Validate(ctx, pc.conn, c.settings.ValidationQuery)
		done <- c.finishProbe(ctx, pc, err)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
	}
	select {
	case r := <-done:
		return r
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return probeResult{err: errProbeTimeout}
	}
	return probeResult{yielded: true}
}

// finishProbe 校验返回后处理连接：通过或被中断的放回，失败或超时的关闭
func (c *ChannelPool) finishProbe(ctx context.Context, pc *PooledConnection, err error) probeResult {
	var r probeResult
	switch cerr := ctx.Err(); {
	case errors.Is(cerr, context.DeadlineExceeded):
		r.err = errProbeTimeout
	case err != nil && cerr != nil:
		r.yielded = true
	default:
		r.err = err
	}

	c.mu.Lock()
	c.reserved--
	if r.err == nil && !c.draining {
		c.putBackLocked([]*PooledConnection{pc})
		c.mu.Unlock()
		return r
	}
	if r.err != nil {
		c.validationFailed++
	}
	c.closedConns++
	c.handoffSlotLocked()
	c.checkDrainedLocked()
	c.mu.Unlock()

	c.closeConn(pc.conn)
	return r
}
