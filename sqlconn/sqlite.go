package sqlconn

import (
	"context"
	"database/sql/driver"

	"github.com/mattn/go-sqlite3"

	dbclient "github.com/chaitin/dbclient-go"
)

// SQLite returns the factory for sqlite descriptors. Every connection to
// ":memory:" gets its own database; use a file path to share data.
func SQLite() *Factory {
	return NewFactory(dbclient.DriverSQLite, sqliteConnector)
}

// dsnConnector adapts a driver without a Connector of its own.
type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c *dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *dsnConnector) Driver() driver.Driver {
	return c.driver
}

func sqliteConnector(d dbclient.Descriptor) (driver.Connector, error) {
	dsn := d.Database
	if d.Options != "" {
		dsn += "?" + d.Options
	}
	return &dsnConnector{dsn: dsn, driver: &sqlite3.SQLiteDriver{}}, nil
}
