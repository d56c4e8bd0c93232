package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moreonion/mogin/pkg/config"
	"github.com/moreonion/mogin/pkg/system"
)

func TestIsDisconnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"pq connection failure", &pq.Error{Code: "08006"}, true},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"pq system error", &pq.Error{Code: "58000"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"pq syntax error", &pq.Error{Code: "42601"}, false},
		{"gone away message", errors.New("driver: server has gone away"), true},
		{"broken pipe message", errors.New("write: broken pipe"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"plain error", errors.New("no rows in result set"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDisconnect(tc.err))
		})
	}
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), system.NewTestLogger(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversFromDisconnect(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), system.NewTestLogger(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return driver.ErrBadConn
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryRetriesOnlyOnce(t *testing.T) {
	calls := 0
	fatal := errors.New("still unreachable: broken pipe")
	err := WithRetry(context.Background(), system.NewTestLogger(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return driver.ErrBadConn
		}
		return fatal
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	failure := &pq.Error{Code: "23505"}
	err := WithRetry(context.Background(), system.NewTestLogger(), func(ctx context.Context) error {
		calls++
		return failure
	})
	assert.Equal(t, failure, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryAgainstQuery(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "postgres")

	// driver.ErrBadConn would be intercepted by database/sql (which then
	// asks sqlmock for a replacement connection it cannot supply), so the
	// first attempt fails with a pq disconnect error that reaches WithRetry.
	mock.ExpectQuery("SELECT id FROM users").WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectQuery("SELECT id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	var id int
	err = WithRetry(context.Background(), system.NewTestLogger(), func(ctx context.Context) error {
		return db.GetContext(ctx, &id, "SELECT id FROM users WHERE name = $1", "alice")
	})
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectRequiresDSN(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	_, err = Connect(context.Background(), cfg, system.NewTestLogger())
	assert.ErrorContains(t, err, config.KeyDatabaseDSN)
}
