package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/peepmetrics/internal/repository"
)

func TestClassifyPgErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{pgerrcode.SerializationFailure, repository.ErrSerialization},
		{pgerrcode.DeadlockDetected, repository.ErrSerialization},
		{pgerrcode.UniqueViolation, repository.ErrConflict},
		{pgerrcode.CheckViolation, repository.ErrInvalidArgument},
		{pgerrcode.AdminShutdown, repository.ErrUnavailable},
		{pgerrcode.ConnectionFailure, repository.ErrUnavailable},
		{pgerrcode.TooManyConnections, repository.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := classify(fmt.Errorf("exec: %w", &pgconn.PgError{Code: tc.code}))
			require.ErrorIs(t, err, tc.want)
			var pgErr *pgconn.PgError
			require.ErrorAs(t, err, &pgErr)
		})
	}
}

func TestClassifyUnknownPgErrorPassesThrough(t *testing.T) {
	orig := &pgconn.PgError{Code: pgerrcode.UndefinedTable}
	err := classify(orig)
	require.Same(t, orig, err)
}

func TestClassifyTransportFailures(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	assert.ErrorIs(t, classify(netErr), repository.ErrUnavailable)
	assert.ErrorIs(t, classify(fmt.Errorf("acquire: %w", context.DeadlineExceeded)), repository.ErrUnavailable)
	assert.NoError(t, classify(nil))
	assert.NotErrorIs(t, classify(errors.New("boom")), repository.ErrUnavailable)
}
