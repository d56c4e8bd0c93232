package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/moreonion/mogin/pkg/config"
)

// Connect opens a database handle using the database.* settings and
// verifies the connection with a ping.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*sqlx.DB, error) {
	dsn := cfg.DatabaseDSN()
	if dsn == "" {
		return nil, fmt.Errorf("missing setting %s", config.KeyDatabaseDSN)
	}
	driverName := cfg.DatabaseDriver()

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.GetInt(config.KeyDatabaseMaxOpenConns))
	db.SetMaxIdleConns(cfg.GetInt(config.KeyDatabaseMaxIdleConns))
	db.SetConnMaxLifetime(cfg.GetDuration(config.KeyDatabaseConnMaxLifetime))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	logger.Infow("connected to database", "driver", driverName)
	return db, nil
}

// pq error classes that indicate the connection is unusable. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
var disconnectErrorClasses = map[string]bool{
	"08": true, // connection exception
	"57": true, // operator intervention (admin shutdown, crash shutdown)
	"58": true, // system error
}

// IsDisconnect reports whether err means the underlying connection went
// away, as opposed to the statement itself being at fault.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return disconnectErrorClasses[string(pqErr.Code.Class())]
	}
	msg := err.Error()
	for _, needle := range []string{
		"server has gone away",
		"broken pipe",
		"connection refused",
		"connection reset by peer",
		"unexpectedly closed the connection",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// WithRetry runs fn and, when it fails with a disconnect error, runs it
// once more on a fresh connection. Any error from the second attempt is
// returned unchanged. Non-disconnect errors are never retried, so fn
// must be safe to run twice.
func WithRetry(ctx context.Context, logger *zap.SugaredLogger, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !IsDisconnect(err) {
		return err
	}
	logger.Warnw("database connection lost, retrying once", "error", err)
	return fn(ctx)
}
