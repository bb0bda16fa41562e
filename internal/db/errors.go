package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"

	"github.com/hzpp-delays/poller/internal/models"
)

// PersistenceKind separates retryable store failures from rejected writes
type PersistenceKind string

const (
	PersistenceTransient  PersistenceKind = "transient"
	PersistenceConstraint PersistenceKind = "constraint"
)

// PersistenceError wraps a failed store operation with its classification
type PersistenceError struct {
	Kind PersistenceKind
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s persistence error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the transaction may succeed
func (e *PersistenceError) Transient() bool {
	return e.Kind == PersistenceTransient
}

// SQLite primary result codes
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteIOErr      = 10
	sqliteConstraint = 19
)

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	// Cancellation belongs to the caller, not to the store
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Kind: persistenceKind(err), Op: op, Err: err}
}

func persistenceKind(err error) PersistenceKind {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked, sqliteIOErr:
			return PersistenceTransient
		default:
			return PersistenceConstraint
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "40"), // serialization failure, deadlock
			strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "57P"): // operator intervention
			return PersistenceTransient
		default:
			return PersistenceConstraint
		}
	}

	if errors.Is(err, driver.ErrBadConn) {
		return PersistenceTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return PersistenceTransient
	}
	if strings.Contains(strings.ToLower(err.Error()), "database is locked") {
		return PersistenceTransient
	}
	return PersistenceConstraint
}

// MonotonicityViolation describes an update rejected because it would put a
// stop's observed times out of order
type MonotonicityViolation struct {
	Stop     models.StopKey
	Field    string
	Value    time.Time
	Bound    time.Time
	Neighbor int // sequence of the stop providing Bound
}

func (v *MonotonicityViolation) Error() string {
	rel := "before"
	if v.Value.After(v.Bound) {
		rel = "after"
	}
	return fmt.Sprintf("monotonicity violation at %s: %s %s is %s bound %s from sequence %d",
		v.Stop, v.Field, v.Value.UTC().Format(time.RFC3339), rel, v.Bound.UTC().Format(time.RFC3339), v.Neighbor)
}
