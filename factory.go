package dbclient

import (
	"context"
)

// ConnectionFactory 物理连接工厂，由具体的数据库驱动实现
type ConnectionFactory interface {
	// 建立一条物理连接
	Open(ctx context.Context, d Descriptor) (interface{}, error)
	// 关闭物理连接
	Close(conn interface{}) error
	// 检查连接是否有效，query 为空时使用驱动自身的 ping
	Validate(ctx context.Context, conn interface{}, query string) error
	// 在连接上执行语句
	Execute(ctx context.Context, conn interface{}, stmt Statement) (*Result, error)
}

// Statement 一条待执行的 SQL
type Statement struct {
	SQL  string
	Args []interface{}
	// Query 为 true 时读取结果集，否则只返回影响行数
	Query bool
}

// Result 语句执行结果
type Result struct {
	Columns      []string
	Rows         [][]interface{}
	RowsAffected int64
	LastInsertID int64
}
