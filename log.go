package dbclient

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var defaultLog atomic.Pointer[logrus.Entry]

func init() {
	defaultLog.Store(logrus.WithField("component", "dbclient"))
}

// SetLogger replaces the package logger. Pools and registries created
// afterwards log through l; existing ones keep the logger they were built
// with. Use WithLogger or PoolConfig.Logger for per-instance loggers.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		return
	}
	defaultLog.Store(l.WithField("component", "dbclient"))
}

func packageLog() *logrus.Entry {
	return defaultLog.Load()
}
