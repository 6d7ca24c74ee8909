package sqlconn

import (
	"database/sql/driver"
	"net/url"

	"github.com/lib/pq"

	dbclient "github.com/chaitin/dbclient-go"
)

// Postgres returns the factory for postgres descriptors.
func Postgres() *Factory {
	return NewFactory(dbclient.DriverPostgres, postgresConnector)
}

func postgresConnector(d dbclient.Descriptor) (driver.Connector, error) {
	return pq.NewConnector(postgresDSN(d))
}

func postgresDSN(d dbclient.Descriptor) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     d.Address(),
		Path:     "/" + d.Database,
		RawQuery: d.Options,
	}
	if d.Username != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.Username, d.Password)
		} else {
			u.User = url.User(d.Username)
		}
	}
	return u.String()
}
