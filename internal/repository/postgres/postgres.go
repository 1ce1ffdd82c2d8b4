package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/peepmetrics/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.PerformanceRepository = (*Repository)(nil)
	_ repository.UsageRepository       = (*Repository)(nil)
	_ repository.MetricQueryRepository = (*Repository)(nil)
	_ repository.AggregationRepository = (*Repository)(nil)
)

// Ping checks store reachability.
func (r *Repository) Ping(ctx context.Context) error {
	return classify(r.pool.Ping(ctx))
}

// classify maps driver errors onto repository sentinels, keeping the cause in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: %w", repository.ErrSerialization, err)
		case pgErr.Code == pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %w", repository.ErrConflict, err)
		case pgErr.Code == pgerrcode.CheckViolation, pgErr.Code == pgerrcode.InvalidTextRepresentation,
			pgErr.Code == pgerrcode.NotNullViolation:
			return fmt.Errorf("%w: %w", repository.ErrInvalidArgument, err)
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow,
			pgErr.Code == pgerrcode.TooManyConnections:
			return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", repository.ErrUnavailable, err)
	}
	return err
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func boolPtrToNil(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
