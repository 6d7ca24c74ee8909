package sqlconn

import (
	"database/sql/driver"
	"strings"

	"github.com/go-sql-driver/mysql"

	dbclient "github.com/chaitin/dbclient-go"
)

// MySQL returns the factory for mysql and mariadb descriptors.
func MySQL() *Factory {
	return NewFactory(dbclient.DriverMySQL, mysqlConnector)
}

// mysqlConnector 先生成基础 DSN，再追加选项交给驱动解析，
// 以便 parseTime、timeout 等驱动参数按驱动自身的规则生效
func mysqlConnector(d dbclient.Descriptor) (driver.Connector, error) {
	cfg := mysql.NewConfig()
	cfg.User = d.Username
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = d.Address()
	cfg.DBName = d.Database

	dsn := cfg.FormatDSN()
	if d.Options != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + d.Options
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return mysql.NewConnector(parsed)
}
