// Package sqlconn implements dbclient.ConnectionFactory on top of
// database/sql/driver connectors, so that pooling stays in dbclient and the
// drivers only provide physical connections.
package sqlconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	dbclient "github.com/chaitin/dbclient-go"
	"github.com/chaitin/dbclient-go/misc"
)

// ConnectorFunc builds a connector for a normalized descriptor.
type ConnectorFunc func(d dbclient.Descriptor) (driver.Connector, error)

// Factory opens connections through a driver.Connector.
type Factory struct {
	name      string
	connector ConnectorFunc
}

var _ dbclient.ConnectionFactory = (*Factory)(nil)

// NewFactory returns a factory using fn to build connectors.
func NewFactory(name string, fn ConnectorFunc) *Factory {
	return &Factory{name: name, connector: fn}
}

// Register adds the mysql, postgres and sqlite factories to r.
func Register(r *dbclient.Registry) {
	r.RegisterFactory(dbclient.DriverMySQL, MySQL())
	r.RegisterFactory(dbclient.DriverPostgres, Postgres())
	r.RegisterFactory(dbclient.DriverSQLite, SQLite())
}

func (f *Factory) Open(ctx context.Context, d dbclient.Descriptor) (interface{}, error) {
	if d.Driver != f.name {
		return nil, fmt.Errorf("sqlconn: %s factory cannot open %s descriptor", f.name, d.Driver)
	}
	connector, err := f.connector(d)
	if err != nil {
		return nil, misc.ErrorWrapf(err, "build %s connector", f.name)
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *Factory) Close(conn interface{}) error {
	c, err := asConn(conn)
	if err != nil {
		return err
	}
	return c.Close()
}

// Validate checks conn with query, or with the driver's ping when query is
// empty.
func (f *Factory) Validate(ctx context.Context, conn interface{}, query string) error {
	c, err := asConn(conn)
	if err != nil {
		return err
	}
	if v, ok := c.(driver.Validator); ok && !v.IsValid() {
		return driver.ErrBadConn
	}
	if query == "" {
		if p, ok := c.(driver.Pinger); ok {
			return p.Ping(ctx)
		}
		query = "SELECT 1"
	}
	_, err = execute(ctx, c, dbclient.Statement{SQL: query, Query: true})
	return err
}

func (f *Factory) Execute(ctx context.Context, conn interface{}, stmt dbclient.Statement) (*dbclient.Result, error) {
	c, err := asConn(conn)
	if err != nil {
		return nil, err
	}
	return execute(ctx, c, stmt)
}

func asConn(conn interface{}) (driver.Conn, error) {
	c, ok := conn.(driver.Conn)
	if !ok || c == nil {
		return nil, fmt.Errorf("sqlconn: unexpected connection type %T", conn)
	}
	return c, nil
}

func execute(ctx context.Context, c driver.Conn, stmt dbclient.Statement) (*dbclient.Result, error) {
	args, err := namedValues(stmt.Args)
	if err != nil {
		return nil, err
	}

	if stmt.Query {
		if q, ok := c.(driver.QueryerContext); ok {
			rows, err := q.QueryContext(ctx, stmt.SQL, args)
			if !errors.Is(err, driver.ErrSkip) {
				if err != nil {
					return nil, err
				}
				return readRows(rows)
			}
		}
	} else if e, ok := c.(driver.ExecerContext); ok {
		res, err := e.ExecContext(ctx, stmt.SQL, args)
		if !errors.Is(err, driver.ErrSkip) {
			if err != nil {
				return nil, err
			}
			return execResult(res), nil
		}
	}

	// 驱动不支持直接执行，走预编译
	ps, err := prepare(ctx, c, stmt.SQL)
	if err != nil {
		return nil, err
	}
	defer ps.Close()

	if stmt.Query {
		var rows driver.Rows
		if q, ok := ps.(driver.StmtQueryContext); ok {
			rows, err = q.QueryContext(ctx, args)
		} else {
			rows, err = ps.Query(values(args)) //nolint:staticcheck
		}
		if err != nil {
			return nil, err
		}
		return readRows(rows)
	}

	var res driver.Result
	if e, ok := ps.(driver.StmtExecContext); ok {
		res, err = e.ExecContext(ctx, args)
	} else {
		res, err = ps.Exec(values(args)) //nolint:staticcheck
	}
	if err != nil {
		return nil, err
	}
	return execResult(res), nil
}

func prepare(ctx context.Context, c driver.Conn, query string) (driver.Stmt, error) {
	if p, ok := c.(driver.ConnPrepareContext); ok {
		return p.PrepareContext(ctx, query)
	}
	return c.Prepare(query)
}

func namedValues(args []interface{}) ([]driver.NamedValue, error) {
	out := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		v, err := driver.DefaultParameterConverter.ConvertValue(arg)
		if err != nil {
			return nil, fmt.Errorf("sqlconn: argument %d: %w", i+1, err)
		}
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out, nil
}

func values(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

func readRows(rows driver.Rows) (*dbclient.Result, error) {
	defer rows.Close()

	res := &dbclient.Result{Columns: rows.Columns()}
	dest := make([]driver.Value, len(res.Columns))
	for {
		err := rows.Next(dest)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make([]interface{}, len(dest))
		for i, v := range dest {
			// 驱动会复用 []byte 的底层内存
			if b, ok := v.([]byte); ok {
				v = append([]byte(nil), b...)
			}
			row[i] = v
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func execResult(r driver.Result) *dbclient.Result {
	res := &dbclient.Result{}
	// 部分驱动不支持其中之一，忽略错误
	res.RowsAffected, _ = r.RowsAffected()
	res.LastInsertID, _ = r.LastInsertId()
	return res
}
