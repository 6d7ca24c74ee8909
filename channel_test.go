package dbclient

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockConn struct {
	id         int64
	closed     atomic.Bool
	validating atomic.Int32
}

// 模拟的连接工厂，不建立真实连接
type MockFactory struct {
	mu          sync.Mutex
	openErr     error
	validateErr error
	onValidate  func(ctx context.Context, c *mockConn) error

	openAttempts      atomic.Int64
	opened            atomic.Int64
	closed            atomic.Int64
	doubleClose       atomic.Int64
	validations       atomic.Int64
	closedValidating  atomic.Int64
	overlapValidation atomic.Int64
}

func (f *MockFactory) Open(ctx context.Context, d Descriptor) (interface{}, error) {
	f.openAttempts.Add(1)
	f.mu.Lock()
	err := f.openErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &mockConn{id: f.opened.Add(1)}, nil
}

func (f *MockFactory) Close(v interface{}) error {
	c := v.(*mockConn)
	if c.validating.Load() > 0 {
		f.closedValidating.Add(1)
	}
	if c.closed.Swap(true) {
		f.doubleClose.Add(1)
		return errors.New("connection already closed")
	}
	f.closed.Add(1)
	return nil
}

func (f *MockFactory) Validate(ctx context.Context, v interface{}, query string) error {
	c := v.(*mockConn)
	if c.validating.Add(1) > 1 {
		f.overlapValidation.Add(1)
	}
	defer c.validating.Add(-1)
	f.validations.Add(1)

	f.mu.Lock()
	err, hook := f.validateErr, f.onValidate
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, c)
	}
	return err
}

func (f *MockFactory) Execute(ctx context.Context, v interface{}, stmt Statement) (*Result, error) {
	if stmt.SQL == "bad" {
		return nil, driver.ErrBadConn
	}
	return &Result{Columns: []string{"id"}, Rows: [][]interface{}{{v.(*mockConn).id}}}, nil
}

func (f *MockFactory) setOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *MockFactory) setOnValidate(hook func(ctx context.Context, c *mockConn) error) {
	f.mu.Lock()
	f.onValidate = hook
	f.mu.Unlock()
}

func (f *MockFactory) setValidateErr(err error) {
	f.mu.Lock()
	f.validateErr = err
	f.mu.Unlock()
}

// live 当前未关闭的物理连接数
func (f *MockFactory) live() int64 {
	return f.opened.Load() - f.closed.Load()
}

func newTestPool(t *testing.T, f *MockFactory, mutate func(*PoolSettings)) *ChannelPool {
	t.Helper()
	return newTestPoolConfig(t, f, mutate, nil)
}

func newTestPoolConfig(t *testing.T, f *MockFactory, mutate func(*PoolSettings), configure func(*PoolConfig)) *ChannelPool {
	t.Helper()
	s := DefaultPoolSettings()
	s.EvictionInterval = 0
	if mutate != nil {
		mutate(&s)
	}
	cfg := &PoolConfig{
		Descriptor:   Descriptor{Driver: "mock", Host: "localhost", Pool: s},
		Factory:      f,
		DrainTimeout: time.Second,
	}
	if configure != nil {
		configure(cfg)
	}
	pool, err := NewChannelPool(cfg)
	if err != nil {
		t.Fatalf("NewChannelPool: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Drain(context.Background())
		if n := f.doubleClose.Load(); n != 0 {
			t.Errorf("%d connections closed twice", n)
		}
		if n := f.closedValidating.Load(); n != 0 {
			t.Errorf("%d connections closed during Validate", n)
		}
		if n := f.overlapValidation.Load(); n != 0 {
			t.Errorf("%d connections validated concurrently", n)
		}
	})
	return pool
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewChannelPoolRejectsNilFactory(t *testing.T) {
	_, err := NewChannelPool(&PoolConfig{Descriptor: Descriptor{Pool: DefaultPoolSettings()}})
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestPrefillMinIdle(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 3
	})
	if s := pool.Stats(); s.Idle != 3 || s.Opened != 3 {
		t.Fatalf("expected 3 idle connections after prefill, got %+v", s)
	}
}

func TestPrefillFailureIsNotFatal(t *testing.T) {
	f := &MockFactory{}
	f.setOpenErr(errors.New("connection refused"))
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 2
	})
	if s := pool.Stats(); s.Idle != 0 || s.Opening != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}

	f.setOpenErr(nil)
	pool.Evict()
	if s := pool.Stats(); s.Idle != 2 {
		t.Fatalf("eviction should replenish MinIdle, got %+v", s)
	}
}

func TestAcquireRelease(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MaxActive = 2
	})
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two leases returned the same connection")
	}
	if s := pool.Stats(); s.Leased != 2 || s.Idle != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}

	if err := pool.Release(a); err != nil {
		t.Fatal(err)
	}
	c, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatal("expected the idle connection to be reused")
	}
	if f.opened.Load() != 2 {
		t.Fatalf("opened %d connections, want 2", f.opened.Load())
	}
	_ = pool.Release(b)
	_ = pool.Release(c)
}

func TestDoubleRelease(t *testing.T) {
	pool := newTestPool(t, &MockFactory{}, nil)
	pc, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(pc); err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(pc); err == nil {
		t.Fatal("expected error on second release")
	}
	if s := pool.Stats(); s.Idle != 1 {
		t.Fatalf("double release must not duplicate the idle entry, got %+v", s)
	}
}

func TestPoolBoundUnderLoad(t *testing.T) {
	const maxActive = 5
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MaxActive = maxActive
		s.MaxWait = 5 * time.Second
	})

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pc, err := pool.Acquire(context.Background())
				if err != nil {
					errs <- err
					return
				}
				n := inUse.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				s := pool.Stats()
				if s.Idle+s.Leased+s.Opening > maxActive {
					t.Errorf("pool exceeded bound: %+v", s)
				}
				inUse.Add(-1)
				if err := pool.Release(pc); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if p := peak.Load(); p > maxActive {
		t.Fatalf("%d connections leased at once, max %d", p, maxActive)
	}
	if n := f.live(); n > maxActive {
		t.Fatalf("%d live connections, max %d", n, maxActive)
	}
	if s := pool.Stats(); s.Acquired != 1000 || s.Leased != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestAcquireTimeout(t *testing.T) {
	pool := newTestPool(t, &MockFactory{}, func(s *PoolSettings) {
		s.MaxActive = 1
		s.MaxWait = 100 * time.Millisecond
	})
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(held)

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before the wait timeout", elapsed)
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("returned after %v, too late", elapsed)
	}
	if s := pool.Stats(); s.Timeouts != 1 || s.Waiters != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestAcquireNoWait(t *testing.T) {
	pool := newTestPool(t, &MockFactory{}, func(s *PoolSettings) {
		s.MaxActive = 1
		s.MaxWait = 0
	})
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(held)

	start := time.Now()
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("exhausted pool with MaxWait 0 blocked for %v", elapsed)
	}
}

func TestWaitersServedInOrder(t *testing.T) {
	pool := newTestPool(t, &MockFactory{}, func(s *PoolSettings) {
		s.MaxActive = 1
	})
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pc, err := pool.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			order <- i
			_ = pool.Release(pc)
		}(i)
		waitFor(t, "waiter to queue", func() bool { return pool.Stats().Waiters == i })
	}

	if err := pool.Release(held); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	close(order)

	want := 1
	for got := range order {
		if got != want {
			t.Fatalf("waiter %d served before waiter %d", got, want)
		}
		want++
	}
}

func TestCancelledWaiter(t *testing.T) {
	pool := newTestPool(t, &MockFactory{}, func(s *PoolSettings) {
		s.MaxActive = 1
	})
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		errc <- err
	}()
	waitFor(t, "waiter to queue", func() bool { return pool.Stats().Waiters == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s := pool.Stats(); s.Waiters != 0 {
		t.Fatalf("cancelled waiter still queued: %+v", s)
	}

	_ = pool.Release(held)
	pc, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = pool.Release(pc)
}

// 取消与归还同时发生时，名额不能丢失
func TestCancelledWaiterRaceDoesNotLeak(t *testing.T) {
	pool := newTestPool(t, &MockFactory{}, func(s *PoolSettings) {
		s.MaxActive = 1
	})

	for i := 0; i < 200; i++ {
		held, err := pool.Acquire(context.Background())
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		got := make(chan *PooledConnection, 1)
		go func() {
			pc, _ := pool.Acquire(ctx)
			got <- pc
		}()
		waitFor(t, "waiter to queue", func() bool { return pool.Stats().Waiters == 1 })

		go cancel()
		_ = pool.Release(held)
		if pc := <-got; pc != nil {
			_ = pool.Release(pc)
		}
		cancel()
	}

	s := pool.Stats()
	if s.Leased != 0 || s.Opening != 0 || s.Waiters != 0 || s.Idle != 1 {
		t.Fatalf("slot leaked: %+v", s)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pc, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = pool.Release(pc)
}

func TestAcquireOpenFailure(t *testing.T) {
	f := &MockFactory{}
	refused := errors.New("connection refused")
	f.setOpenErr(refused)
	pool := newTestPool(t, f, nil)

	_, err := pool.Acquire(context.Background())
	if !errors.Is(err, ErrConnectionUnavailable) {
		t.Fatalf("expected ErrConnectionUnavailable, got %v", err)
	}
	if !errors.Is(err, refused) {
		t.Fatalf("expected the driver error in the chain, got %v", err)
	}
	if n := f.openAttempts.Load(); n != DefaultAcquireRetries+1 {
		t.Fatalf("open attempted %d times, want %d", n, DefaultAcquireRetries+1)
	}
	if s := pool.Stats(); s.Opening != 0 || s.AcquireFailed != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestValidationFailureReplacesConnection(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, nil)

	first, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = pool.Release(first)

	f.setValidateErr(errors.New("server has gone away"))
	pc, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pc == first {
		t.Fatal("connection failing validation was handed out")
	}
	if !first.Conn().(*mockConn).closed.Load() {
		t.Fatal("connection failing validation was not closed")
	}
	if s := pool.Stats(); s.ValidationFailed != 1 || s.Leased != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	_ = pool.Release(pc)
}

func TestValidationRetryExhausted(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 2
	})
	f.setValidateErr(errors.New("server has gone away"))
	f.setOpenErr(errors.New("connection refused"))

	_, err := pool.Acquire(context.Background())
	if !errors.Is(err, ErrConnectionUnavailable) {
		t.Fatalf("expected ErrConnectionUnavailable, got %v", err)
	}
	s := pool.Stats()
	if s.ValidationFailed != 2 || s.Idle != 0 || s.Leased != 0 || s.Opening != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestExecuteBadConnDiscards(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, nil)

	res, err := pool.Execute(context.Background(), Statement{SQL: "select", Query: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	_, err = pool.Execute(context.Background(), Statement{SQL: "bad"})
	if !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("expected driver.ErrBadConn, got %v", err)
	}
	if s := pool.Stats(); s.Idle != 0 || s.Closed != 1 {
		t.Fatalf("bad connection should be closed, got %+v", s)
	}
}

func TestEvictDownToMinIdle(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 2
		s.MaxActive = 6
		s.IdleTimeout = 30 * time.Millisecond
	})

	var leased []*PooledConnection
	for i := 0; i < 6; i++ {
		pc, err := pool.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		leased = append(leased, pc)
	}
	// 借出的连接不受淘汰影响
	kept := leased[5]
	for _, pc := range leased[:5] {
		_ = pool.Release(pc)
	}

	time.Sleep(60 * time.Millisecond)
	pool.Evict()
	s := pool.Stats()
	if s.Idle != 2 || s.Leased != 1 || s.Evicted != 3 {
		t.Fatalf("unexpected stats after eviction %+v", s)
	}

	time.Sleep(60 * time.Millisecond)
	pool.Evict()
	if s := pool.Stats(); s.Idle != 2 {
		t.Fatalf("eviction went below MinIdle: %+v", s)
	}
	if kept.Conn().(*mockConn).closed.Load() {
		t.Fatal("leased connection was closed by eviction")
	}
	_ = pool.Release(kept)
}

func TestBackgroundEviction(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 1
		s.MaxActive = 4
		s.IdleTimeout = 20 * time.Millisecond
		s.EvictionInterval = 20 * time.Millisecond
	})

	var leased []*PooledConnection
	for i := 0; i < 4; i++ {
		pc, err := pool.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		leased = append(leased, pc)
	}
	for _, pc := range leased {
		_ = pool.Release(pc)
	}

	waitFor(t, "idle connections to be evicted", func() bool { return f.live() == 1 })
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		if n := f.live(); n < 1 {
			t.Fatalf("eviction closed every connection, MinIdle is 1")
		}
	}
}

func TestEvictDiscardsInvalidIdle(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 2
		s.IdleTimeout = 0
	})
	f.setValidateErr(errors.New("server has gone away"))

	pool.Evict()
	s := pool.Stats()
	if s.ValidationFailed != 2 {
		t.Fatalf("expected 2 validation failures, got %+v", s)
	}
	// 失效的连接被替换
	if s.Idle != 2 || f.opened.Load() != 4 {
		t.Fatalf("expected idle connections to be replenished, got %+v", s)
	}
	if pool.health.HealthDetailInfo() == "" {
		t.Fatal("validation failure not recorded")
	}
}

// 校验超时后连接仍由校验协程持有，返回后才关闭
func TestEvictTimeoutClosesAfterValidateReturns(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPoolConfig(t, f, func(s *PoolSettings) {
		s.MinIdle = 1
		s.MaxActive = 2
	}, func(cfg *PoolConfig) {
		cfg.ProbeTimeout = 30 * time.Millisecond
	})
	// 不响应 ctx 的校验
	f.setOnValidate(func(ctx context.Context, c *mockConn) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	})

	start := time.Now()
	pool.Evict()
	if elapsed := time.Since(start); elapsed >= 150*time.Millisecond {
		t.Fatalf("Evict waited %v for a timed out validation", elapsed)
	}
	if s := pool.Stats(); s.Opening != 1 || s.Idle != 1 {
		t.Fatalf("timed out connection should stay reserved while replaced, got %+v", s)
	}

	waitFor(t, "timed out connection to be closed", func() bool { return f.closed.Load() == 1 })
	if n := f.closedValidating.Load(); n != 0 {
		t.Fatalf("%d connections closed while Validate was running", n)
	}
	if s := pool.Stats(); s.Opening != 0 || s.ValidationFailed != 1 || s.Idle != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

// 后台校验不能让调用方等到超时
func TestAcquireInterruptsIdleValidation(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MaxActive = 1
		s.MinIdle = 1
		s.MaxWait = 100 * time.Millisecond
	})
	started := make(chan struct{})
	var calls atomic.Int32
	f.setOnValidate(func(ctx context.Context, c *mockConn) error {
		if calls.Add(1) > 1 {
			return nil
		}
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return nil
		}
	})

	evicted := make(chan struct{})
	go func() {
		pool.Evict()
		close(evicted)
	}()
	<-started

	start := time.Now()
	pc, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire during idle validation: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Fatalf("acquire waited %v for idle validation", elapsed)
	}
	if id := pc.Conn().(*mockConn).id; id != 1 {
		t.Fatalf("expected the idle connection, got connection %d", id)
	}
	_ = pool.Release(pc)
	<-evicted

	if s := pool.Stats(); s.ValidationFailed != 0 || s.Closed != 0 || s.Idle != 1 {
		t.Fatalf("interrupted validation should keep the connection, got %+v", s)
	}
}

func TestEvictSkipsRecentlyUsed(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 1
		s.EvictionInterval = time.Hour
	})
	pc, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = pool.Release(pc)

	before := f.validations.Load()
	pool.Evict()
	if n := f.validations.Load() - before; n != 0 {
		t.Fatalf("recently used connection validated %d times by eviction", n)
	}
}

func TestCancelledAcquireKeepsIdleConnection(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 1
	})
	f.setOnValidate(func(ctx context.Context, c *mockConn) error {
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := f.validations.Load(); n != 0 {
		t.Fatalf("cancelled acquire validated %d connections", n)
	}
	if s := pool.Stats(); s.Idle != 1 || s.Closed != 0 || s.ValidationFailed != 0 {
		t.Fatalf("cancelled acquire changed the pool: %+v", s)
	}
}

func TestAcquireDeadlineDuringValidation(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 1
	})
	f.setOnValidate(func(ctx context.Context, c *mockConn) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Acquire(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	s := pool.Stats()
	if s.Idle != 1 || s.Closed != 0 || s.ValidationFailed != 0 || s.Timeouts != 1 {
		t.Fatalf("expired acquire should return the connection unjudged, got %+v", s)
	}
}

func TestDrain(t *testing.T) {
	f := &MockFactory{}
	pool := newTestPool(t, f, func(s *PoolSettings) {
		s.MinIdle = 1
		s.MaxActive = 2
	})
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	drained := make(chan error, 1)
	go func() {
		drained <- pool.Drain(context.Background())
	}()
	waitFor(t, "pool to start draining", func() bool { return pool.Stats().Draining })

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	select {
	case <-pool.Done():
		t.Fatal("drain finished while a connection was leased")
	default:
	}

	if err := pool.Release(held); err != nil {
		t.Fatal(err)
	}
	if err := <-drained; err != nil {
		t.Fatal(err)
	}
	<-pool.Done()
	if n := f.live(); n != 0 {
		t.Fatalf("%d connections left open after drain", n)
	}

	// 关闭之后归还连接返回错误，不会 panic
	if err := pool.Release(held); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatalf("second drain: %v", err)
	}
}

func TestDrainFailsWaiters(t *testing.T) {
	pool := newTestPool(t, &MockFactory{}, func(s *PoolSettings) {
		s.MaxActive = 1
	})
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errc <- err
	}()
	waitFor(t, "waiter to queue", func() bool { return pool.Stats().Waiters == 1 })

	go func() {
		_ = pool.Drain(context.Background())
	}()
	if err := <-errc; !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	_ = pool.Release(held)
	<-pool.Done()
}

func TestDrainForceClosesAfterGrace(t *testing.T) {
	f := &MockFactory{}
	pool, err := NewChannelPool(&PoolConfig{
		Descriptor:   Descriptor{Driver: "mock", Host: "localhost", Pool: DefaultPoolSettings()},
		Factory:      f,
		DrainTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := pool.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("drain returned after %v, before the grace period", elapsed)
	}
	if !held.Conn().(*mockConn).closed.Load() {
		t.Fatal("leased connection was not force-closed")
	}
	if err := pool.Release(held); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if n := f.doubleClose.Load(); n != 0 {
		t.Fatalf("%d connections closed twice", n)
	}
}
