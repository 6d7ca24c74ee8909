package dbclient

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chaitin/dbclient-go/misc"
)

var errNotLeased = errors.New("dbclient: connection is not leased from this pool")

var _ Pool = (*ChannelPool)(nil)

// ChannelPool 存放连接信息
type ChannelPool struct {
	mu       sync.Mutex
	desc     Descriptor
	settings PoolSettings
	cfg      PoolConfig
	factory  ConnectionFactory
	log      *logrus.Entry
	health   *HealthCheckService

	idle     []*PooledConnection            // 空闲连接，按归还时间排序，末尾最新
	leased   map[*PooledConnection]struct{} // 已借出的连接
	reserved int                            // 正在建连或正在校验的名额，同样计入上限
	connReqs []chan connReq                 // 等待队列，先来先得

	draining  bool
	closed    bool
	drainDone chan struct{}
	stopEvict chan struct{}
	evictDone chan struct{}

	evictMu     sync.Mutex         // 同一时间只有一轮淘汰
	probeCancel context.CancelFunc // 中断正在进行的空闲连接校验

	acquired         uint64
	acquireFailed    uint64
	timeouts         uint64
	validationFailed uint64
	evicted          uint64
	opened           uint64
	closedConns      uint64
}

// connReq 移交给等待者的结果：pc 非空为一条连接，err 非空为连接池已关闭，
// 两者都为空表示移交一个建连名额
type connReq struct {
	pc  *PooledConnection
	err error
}

// NewChannelPool 初始化连接池，并预先建立 MinIdle 条连接
func NewChannelPool(poolConfig *PoolConfig) (*ChannelPool, error) {
	if poolConfig == nil || poolConfig.Factory == nil {
		return nil, newError("new pool", ErrInvalidConfiguration, errors.New("invalid factory interface settings"))
	}
	cfg := poolConfig.withDefaults()
	if err := cfg.Descriptor.Pool.Validate(); err != nil {
		return nil, err
	}

	c := &ChannelPool{
		desc:      cfg.Descriptor,
		settings:  cfg.Descriptor.Pool,
		cfg:       cfg,
		factory:   cfg.Factory,
		leased:    make(map[*PooledConnection]struct{}),
		idle:      make([]*PooledConnection, 0, cfg.Descriptor.Pool.MaxActive),
		drainDone: make(chan struct{}),
		stopEvict: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	logger := cfg.Logger
	if logger == nil {
		logger = packageLog()
	}
	c.log = logger.WithFields(logrus.Fields{
		"pool":   cfg.Descriptor.Fingerprint(),
		"driver": cfg.Descriptor.Driver,
	})
	c.health = NewHealthCheckService(cfg.HealthThreshold, cfg.UnhealthThreshold)

	if c.settings.MinIdle > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
		_ = c.replenish(ctx)
		cancel()
	}

	if c.settings.EvictionInterval > 0 {
		go c.evictLoop(c.settings.EvictionInterval)
	} else {
		close(c.evictDone)
	}

	c.log.WithField("max_active", c.settings.MaxActive).
		WithField("min_idle", c.settings.MinIdle).
		Debug("pool created")
	return c, nil
}

// Descriptor returns the descriptor the pool was built for.
func (c *ChannelPool) Descriptor() Descriptor {
	return c.desc
}

// Acquire 从pool中取一个连接
// 优先取空闲连接；未达上限时新建；否则排队等待归还，直到 MaxWait 或 ctx 结束
func (c *ChannelPool) Acquire(ctx context.Context) (*PooledConnection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.settings.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.settings.MaxWait)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.AcquireRetries; attempt++ {
		pc, err := c.lease(ctx)
		if err != nil {
			c.countFailure()
			return nil, err
		}

		if pc == nil {
			// 拿到的是建连名额
			pc, err = c.open(ctx)
			if err != nil {
				if errors.Is(err, ErrPoolClosed) {
					c.countFailure()
					return nil, err
				}
				if ctx.Err() != nil {
					c.countFailure()
					return nil, c.contextError(ctx)
				}
				lastErr = err
				c.log.WithError(err).WithField("attempt", attempt+1).Debug("open connection failed")
				continue
			}
			c.countAcquired()
			return pc, nil
		}

		// 判断是否失效，失效则丢弃后重试
		if err := c.factory.Validate(ctx, pc.conn, c.settings.ValidationQuery); err != nil {
			if ctx.Err() != nil {
				// 调用方已放弃，不能说明连接失效
				_ = c.Release(pc)
				c.countFailure()
				return nil, c.contextError(ctx)
			}
			c.mu.Lock()
			c.validationFailed++
			c.mu.Unlock()
			_ = c.Discard(pc)
			lastErr = err
			c.log.WithError(err).WithField("attempt", attempt+1).Debug("discarding connection failing validation")
			continue
		}
		c.countAcquired()
		return pc, nil
	}

	c.countFailure()
	return nil, newError("acquire", ErrConnectionUnavailable, misc.ErrorWrapf(lastErr, "%d attempts", c.cfg.AcquireRetries+1))
}

// lease 取一条空闲连接、一个建连名额，或者排队等待
// 返回 (nil, nil) 表示得到了一个名额，调用方负责建连
func (c *ChannelPool) lease(ctx context.Context) (*PooledConnection, error) {
	if ctx.Err() != nil {
		return nil, c.contextError(ctx)
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, newError("acquire", ErrPoolClosed, nil)
	}

	// 优先从空闲连接取，取最近归还的
	if n := len(c.idle); n > 0 {
		pc := c.idle[n-1]
		c.idle[n-1] = nil
		c.idle = c.idle[:n-1]
		c.leaseLocked(pc)
		c.mu.Unlock()
		return pc, nil
	}

	// 没有空闲连接，未达上限则预留名额
	if c.totalLocked() < c.settings.MaxActive {
		c.reserved++
		c.mu.Unlock()
		return nil, nil
	}

	if c.settings.MaxWait == 0 {
		c.timeouts++
		c.mu.Unlock()
		return nil, newError("acquire", ErrTimeout, errors.New("pool exhausted and maxWait is 0"))
	}

	// 达到上限，排队等待放回去的连接
	req := make(chan connReq, 1)
	c.connReqs = append(c.connReqs, req)
	if c.probeCancel != nil {
		// 正在校验的空闲连接让给等待者
		c.probeCancel()
	}
	c.mu.Unlock()

	select {
	case ret := <-req:
		return ret.pc, ret.err
	case <-ctx.Done():
		c.mu.Lock()
		removed := c.removeReqLocked(req)
		c.mu.Unlock()
		if !removed {
			// 已经被移交了，需要还回去，避免名额泄漏
			c.returnGrant(<-req)
		}
		return nil, c.contextError(ctx)
	}
}

// open 使用已预留的名额建立新连接
func (c *ChannelPool) open(ctx context.Context) (*PooledConnection, error) {
	conn, err := c.factory.Open(ctx, c.desc)

	c.mu.Lock()
	c.reserved--
	if err != nil {
		c.handoffSlotLocked()
		c.checkDrainedLocked()
		c.mu.Unlock()
		return nil, misc.ErrorWrapf(err, "open %s", c.desc)
	}
	c.opened++
	if c.draining {
		c.closedConns++
		c.checkDrainedLocked()
		c.mu.Unlock()
		c.closeConn(conn)
		return nil, newError("acquire", ErrPoolClosed, nil)
	}
	now := time.Now()
	pc := &PooledConnection{conn: conn, createdAt: now, lastUsedAt: now}
	c.leaseLocked(pc)
	c.mu.Unlock()
	return pc, nil
}

// Release 将连接放回pool中
func (c *ChannelPool) Release(pc *PooledConnection) error {
	if pc == nil {
		return errors.New("connection is nil. rejecting")
	}

	c.mu.Lock()
	if _, ok := c.leased[pc]; !ok {
		draining := c.draining
		c.mu.Unlock()
		if draining {
			return newError("release", ErrPoolClosed, nil)
		}
		return newError("release", errNotLeased, nil)
	}
	delete(c.leased, pc)
	pc.lastUsedAt = time.Now()

	// 连接池正在关闭或连接已失效，直接关闭该连接
	if c.draining || !pc.IsValid() {
		c.closedConns++
		c.handoffSlotLocked()
		c.checkDrainedLocked()
		c.mu.Unlock()
		c.closeConn(pc.conn)
		return nil
	}

	c.putLocked(pc)
	c.mu.Unlock()
	return nil
}

// Discard 关闭单条已借出的连接，释放名额
func (c *ChannelPool) Discard(pc *PooledConnection) error {
	if pc == nil {
		return errors.New("connection is nil. rejecting")
	}
	pc.MarkInvalid()
	return c.Release(pc)
}

// Drain 停止借出连接，等待已借出的连接归还后关闭所有连接
// 超过 ctx 或 DrainTimeout 后强制关闭仍未归还的连接
func (c *ChannelPool) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	var idle []*PooledConnection
	if !c.draining {
		c.draining = true
		for _, req := range c.connReqs {
			req <- connReq{err: newError("acquire", ErrPoolClosed, nil)}
		}
		c.connReqs = nil
		idle = c.idle
		c.idle = nil
		c.closedConns += uint64(len(idle))
		if c.probeCancel != nil {
			c.probeCancel()
		}
		close(c.stopEvict)
		c.checkDrainedLocked()
		c.log.WithField("leased", len(c.leased)).Debug("pool draining")
	}
	c.mu.Unlock()

	for _, pc := range idle {
		c.closeConn(pc.conn)
	}
	<-c.evictDone

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-c.drainDone:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	// 强制关闭
	c.mu.Lock()
	leased := make([]*PooledConnection, 0, len(c.leased))
	for pc := range c.leased {
		leased = append(leased, pc)
	}
	c.leased = make(map[*PooledConnection]struct{})
	c.closedConns += uint64(len(leased))
	if !c.closed {
		c.closed = true
		close(c.drainDone)
	}
	c.mu.Unlock()

	for _, pc := range leased {
		c.closeConn(pc.conn)
	}
	if len(leased) > 0 {
		c.log.WithField("forced", len(leased)).Warn("drain grace period expired, force-closed leased connections")
	}
	return nil
}

// Done is closed once the pool has finished draining.
func (c *ChannelPool) Done() <-chan struct{} {
	return c.drainDone
}

// IsHealthy reports the result of recent idle validation rounds.
func (c *ChannelPool) IsHealthy() bool {
	return c.health.IsHealth()
}

// Stats 连接池统计
func (c *ChannelPool) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Descriptor:       c.desc.String(),
		MaxActive:        c.settings.MaxActive,
		MinIdle:          c.settings.MinIdle,
		Idle:             len(c.idle),
		Leased:           len(c.leased),
		Opening:          c.reserved,
		Waiters:          len(c.connReqs),
		Draining:         c.draining,
		Healthy:          c.health.IsHealth(),
		Acquired:         c.acquired,
		AcquireFailed:    c.acquireFailed,
		Timeouts:         c.timeouts,
		ValidationFailed: c.validationFailed,
		Evicted:          c.evicted,
		Opened:           c.opened,
		Closed:           c.closedConns,
	}
}

// Execute 借一条连接执行语句后归还
// 驱动返回 driver.ErrBadConn 时连接会被丢弃
func (c *ChannelPool) Execute(ctx context.Context, stmt Statement) (*Result, error) {
	pc, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.factory.Execute(ctx, pc.conn, stmt)
	if err != nil && isBadConn(err) {
		pc.MarkInvalid()
	}
	if rerr := c.Release(pc); rerr != nil {
		c.log.WithError(rerr).Debug("release after execute failed")
	}
	if err != nil {
		return nil, misc.ErrorWrap(err, "execute")
	}
	return res, nil
}

// Ping 借一条经过校验的连接后立即归还
func (c *ChannelPool) Ping(ctx context.Context) error {
	pc, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	return c.Release(pc)
}

func (c *ChannelPool) totalLocked() int {
	return len(c.idle) + len(c.leased) + c.reserved
}

func (c *ChannelPool) leaseLocked(pc *PooledConnection) {
	c.leased[pc] = struct{}{}
	pc.lastUsedAt = time.Now()
}

// putLocked 有等待者则按顺序移交给最先到的请求，否则放入空闲连接
func (c *ChannelPool) putLocked(pc *PooledConnection) {
	if len(c.connReqs) > 0 {
		req := c.connReqs[0]
		copy(c.connReqs, c.connReqs[1:])
		c.connReqs[len(c.connReqs)-1] = nil
		c.connReqs = c.connReqs[:len(c.connReqs)-1]
		c.leaseLocked(pc)
		req <- connReq{pc: pc}
		return
	}
	c.idle = append(c.idle, pc)
}

// handoffSlotLocked 名额被释放后，若有等待者则把名额移交给最先到的请求
func (c *ChannelPool) handoffSlotLocked() {
	if c.draining || len(c.connReqs) == 0 || c.totalLocked() >= c.settings.MaxActive {
		return
	}
	req := c.connReqs[0]
	copy(c.connReqs, c.connReqs[1:])
	c.connReqs[len(c.connReqs)-1] = nil
	c.connReqs = c.connReqs[:len(c.connReqs)-1]
	c.reserved++
	req <- connReq{}
}

func (c *ChannelPool) removeReqLocked(req chan connReq) bool {
	for i, r := range c.connReqs {
		if r == req {
			c.connReqs = append(c.connReqs[:i], c.connReqs[i+1:]...)
			return true
		}
	}
	return false
}

// returnGrant 退还一个在取消后才收到的移交
func (c *ChannelPool) returnGrant(ret connReq) {
	switch {
	case ret.err != nil:
	case ret.pc != nil:
		_ = c.Release(ret.pc)
	default:
		c.mu.Lock()
		c.reserved--
		c.handoffSlotLocked()
		c.checkDrainedLocked()
		c.mu.Unlock()
	}
}

func (c *ChannelPool) checkDrainedLocked() {
	if c.draining && !c.closed && len(c.leased) == 0 && c.reserved == 0 {
		c.closed = true
		close(c.drainDone)
		c.log.Debug("pool drained")
	}
}

func (c *ChannelPool) contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		c.mu.Lock()
		c.timeouts++
		c.mu.Unlock()
		return newError("acquire", ErrTimeout, err)
	}
	return newError("acquire", err, nil)
}

func (c *ChannelPool) closeConn(conn interface{}) {
	if err := c.factory.Close(conn); err != nil {
		c.log.WithError(err).Warn("close connection failed")
	}
}

func (c *ChannelPool) countAcquired() {
	c.mu.Lock()
	c.acquired++
	c.mu.Unlock()
}

func (c *ChannelPool) countFailure() {
	c.mu.Lock()
	c.acquireFailed++
	c.mu.Unlock()
}

func isBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn)
}
