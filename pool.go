package dbclient

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool 基本方法
type Pool interface {
	// 获取连接，连接池耗尽时阻塞直到超时
	Acquire(ctx context.Context) (*PooledConnection, error)
	// 连接放回去
	Release(pc *PooledConnection) error
	// 关闭并丢弃一条已借出的连接
	Discard(pc *PooledConnection) error
	// 停止借出并关闭所有连接
	Drain(ctx context.Context) error
	// 连接池统计
	Stats() Stats
}

// Default values for PoolConfig fields left zero.
const (
	DefaultAcquireRetries    = 3
	DefaultDrainTimeout      = 30 * time.Second
	DefaultProbeTimeout      = 3 * time.Second
	DefaultHealthThreshold   = 5
	DefaultUnhealthThreshold = 3
)

// PoolConfig 连接池相关配置
type PoolConfig struct {
	// 连接描述，Settings 来自 Descriptor.Pool
	Descriptor Descriptor
	// 工厂
	Factory ConnectionFactory
	// 校验或建连失败后的最大重试次数
	AcquireRetries int
	// Drain 等待借出连接归还的最长时间
	DrainTimeout time.Duration
	// 空闲连接校验的超时时间
	ProbeTimeout time.Duration
	// 连续校验成功多少次后恢复健康
	HealthThreshold int64
	// 连续校验失败多少次后标记为不健康
	UnhealthThreshold int64
	// 日志，为空时使用包级别的 logger
	Logger *logrus.Entry
}

func (c *PoolConfig) withDefaults() PoolConfig {
	out := *c
	if out.AcquireRetries <= 0 {
		out.AcquireRetries = DefaultAcquireRetries
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = DefaultDrainTimeout
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.HealthThreshold <= 0 {
		out.HealthThreshold = DefaultHealthThreshold
	}
	if out.UnhealthThreshold <= 0 {
		out.UnhealthThreshold = DefaultUnhealthThreshold
	}
	return out
}

// PooledConnection 连接池中的一条物理连接
type PooledConnection struct {
	conn       interface{}
	createdAt  time.Time
	lastUsedAt time.Time
	invalid    atomic.Bool
}

// Conn returns the underlying driver connection.
func (pc *PooledConnection) Conn() interface{} {
	return pc.conn
}

// CreatedAt returns when the physical connection was opened.
func (pc *PooledConnection) CreatedAt() time.Time {
	return pc.createdAt
}

// LastUsedAt returns when the connection was last handed out or returned.
func (pc *PooledConnection) LastUsedAt() time.Time {
	return pc.lastUsedAt
}

// MarkInvalid makes Release close the connection instead of pooling it.
func (pc *PooledConnection) MarkInvalid() {
	pc.invalid.Store(true)
}

// IsValid reports whether MarkInvalid has not been called.
func (pc *PooledConnection) IsValid() bool {
	return !pc.invalid.Load()
}

// Stats 连接池统计信息
type Stats struct {
	Descriptor string `json:"descriptor"`
	MaxActive  int    `json:"max_active"`
	MinIdle    int    `json:"min_idle"`
	Idle       int    `json:"idle"`
	Leased     int    `json:"leased"`
	Opening    int    `json:"opening"`
	Waiters    int    `json:"waiters"`
	Draining   bool   `json:"draining"`
	Healthy    bool   `json:"healthy"`

	Acquired          uint64 `json:"acquired"`
	AcquireFailed     uint64 `json:"acquire_failed"`
	Timeouts          uint64 `json:"timeouts"`
	ValidationFailed  uint64 `json:"validation_failed"`
	Evicted           uint64 `json:"evicted"`
	Opened            uint64 `json:"opened"`
	Closed            uint64 `json:"closed"`
	ReferencedClients int64  `json:"referenced_clients,omitempty"`
}
