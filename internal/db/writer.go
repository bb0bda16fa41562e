package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hzpp-delays/poller/internal/models"
)

// StopChange records a committed change to one stop
type StopChange struct {
	Before models.StopDetail
	After  models.StopDetail
}

// DelayChanged reports whether the stop's delay value differs after the change
func (c StopChange) DelayChanged() bool {
	before, after := c.Before.Delay(), c.After.Delay()
	if before == nil || after == nil {
		return before != after
	}
	return *before != *after
}

// RouteResult summarises one committed route transaction
type RouteResult struct {
	Route        models.Route
	Changes      []StopChange
	Violations   []*MonotonicityViolation
	Unknown      []int // sequences not present on the run
	Unchanged    int
	TimesChanged bool // real start or end of the run was written
}

// ApplyRouteUpdates merges observed stop times into one run. See ApplyRoute.
func (db *DB) ApplyRouteUpdates(ctx context.Context, key models.RouteKey, updates []models.StopUpdate) (*RouteResult, error) {
	return db.ApplyRoute(ctx, key, updates, models.RouteProgress{})
}

// ApplyRoute merges observed times into one run's stops inside a single
// transaction. A set real_* value is overwritten only by a different value,
// so identical resubmissions are no-ops. Updates that would break ordering
// along the run are rejected individually; the rest still apply.
// The run's real start and end follow its first departure and last arrival.
// Without those, progress fills a start or end that is still unset.
func (db *DB) ApplyRoute(ctx context.Context, key models.RouteKey, updates []models.StopUpdate, progress models.RouteProgress) (*RouteResult, error) {
	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify("begin route transaction", err)
	}
	defer tx.Rollback()

	route, err := db.lockRoute(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	var rows []stopRow
	query := tx.Rebind(`SELECT ` + stopColumns + `
		FROM stops s
		JOIN stations st ON st.id = s.station_id
		WHERE s.route_id = ? AND s.route_expected_start_time = ?
		ORDER BY s.sequence`)
	if err := tx.SelectContext(ctx, &rows, query, key.ID, db.timeArg(key.ExpectedStart)); err != nil {
		return nil, classify("load route stops", err)
	}
	stops := stopModels(rows)

	bySeq := make(map[int]int, len(stops))
	for i, s := range stops {
		bySeq[s.Key.Sequence] = i
	}

	updateStmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		UPDATE stops SET real_arrival = ?, real_departure = ?
		WHERE route_id = ? AND route_expected_start_time = ? AND sequence = ?`))
	if err != nil {
		return nil, classify("prepare stop update", err)
	}
	defer updateStmt.Close()

	result := &RouteResult{Route: *route}
	for _, u := range updates {
		idx, ok := bySeq[u.Sequence]
		if !ok {
			result.Unknown = append(result.Unknown, u.Sequence)
			continue
		}
		current := stops[idx]

		arr, dep := current.RealArrival, current.RealDeparture
		if u.RealArrival != nil {
			arr = u.RealArrival
		}
		if u.RealDeparture != nil {
			dep = u.RealDeparture
		}
		if models.SameInstant(arr, current.RealArrival) && models.SameInstant(dep, current.RealDeparture) {
			result.Unchanged++
			continue
		}

		if v := checkOrder(stops, idx, arr, dep); v != nil {
			result.Violations = append(result.Violations, v)
			continue
		}

		if _, err := updateStmt.ExecContext(ctx,
			db.nullTimeArg(arr), db.nullTimeArg(dep),
			key.ID, db.timeArg(key.ExpectedStart), u.Sequence,
		); err != nil {
			return nil, classify("update stop", err)
		}

		after := current
		after.RealArrival, after.RealDeparture = arr, dep
		stops[idx] = after
		result.Changes = append(result.Changes, StopChange{Before: current, After: after})
	}

	if len(result.Changes) > 0 || !progress.IsZero() {
		changed, err := db.updateRouteTimes(ctx, tx, &result.Route, stops, progress)
		if err != nil {
			return nil, err
		}
		result.TimesChanged = changed
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit route transaction", err)
	}
	return result, nil
}

// lockRoute reads the run row, taking a row lock on Postgres. SQLite is
// already serialized by writeMu.
func (db *DB) lockRoute(ctx context.Context, tx *sqlx.Tx, key models.RouteKey) (*models.Route, error) {
	query := `SELECT ` + routeColumns + `
		FROM routes r
		WHERE r.expected_start_time = ? AND r.id = ?`
	if db.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}

	var row routeRow
	err := tx.GetContext(ctx, &row, tx.Rebind(query), db.timeArg(key.ExpectedStart), key.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, classify("lock route", err)
	}
	route := row.model()
	return &route, nil
}

func (db *DB) updateRouteTimes(ctx context.Context, tx *sqlx.Tx, route *models.Route, stops []models.StopDetail, progress models.RouteProgress) (bool, error) {
	var realStart, realEnd *time.Time
	if len(stops) > 0 {
		realStart = stops[0].RealDeparture
		realEnd = stops[len(stops)-1].RealArrival
	}
	if realStart == nil {
		realStart = route.RealStart
	}
	if realStart == nil {
		realStart = progress.Started
	}
	if realEnd == nil {
		realEnd = route.RealEnd
	}
	if realEnd == nil {
		realEnd = progress.Finished
	}
	if models.SameInstant(realStart, route.RealStart) && models.SameInstant(realEnd, route.RealEnd) {
		return false, nil
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE routes SET real_start_time = ?, real_end_time = ?
		WHERE expected_start_time = ? AND id = ?`),
		db.nullTimeArg(realStart), db.nullTimeArg(realEnd),
		db.timeArg(route.Key.ExpectedStart), route.Key.ID,
	)
	if err != nil {
		return false, classify("update route times", err)
	}
	route.RealStart, route.RealEnd = realStart, realEnd
	return true, nil
}
