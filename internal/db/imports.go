package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hzpp-delays/poller/internal/models"
)

// ImportedRoute is one run with its stops as produced by the timetable importer
type ImportedRoute struct {
	Route models.Route
	Stops []models.Stop
}

// ImportTimetable inserts stations, runs and stops for a service day in one
// transaction. Existing rows are left untouched, so re-importing a day never
// clobbers observed times.
func (db *DB) ImportTimetable(ctx context.Context, serviceDay string, stations []models.Station, routes []ImportedRoute) error {
	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin import", err)
	}
	defer tx.Rollback()

	stationStmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO stations (id, code, name, latitude, longitude)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return classify("prepare station insert", err)
	}
	defer stationStmt.Close()

	routeStmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO routes (id, route_number, source, destination, bikes_allowed,
			wheelchair_accessible, route_type, expected_start_time, expected_end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`))
	if err != nil {
		return classify("prepare route insert", err)
	}
	defer routeStmt.Close()

	stopStmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO stops (station_id, route_id, route_expected_start_time, sequence,
			expected_arrival, expected_departure)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`))
	if err != nil {
		return classify("prepare stop insert", err)
	}
	defer stopStmt.Close()

	for _, s := range stations {
		if _, err := stationStmt.ExecContext(ctx, s.ID, s.Code, s.Name, s.Latitude, s.Longitude); err != nil {
			return classify(fmt.Sprintf("insert station %d", s.ID), err)
		}
	}

	stopCount := 0
	for _, ir := range routes {
		r := ir.Route
		if _, err := routeStmt.ExecContext(ctx,
			r.Key.ID, r.RouteNumber, r.Source, r.Destination, r.BikesAllowed,
			r.WheelchairAccessible, int(r.RouteType),
			db.timeArg(r.Key.ExpectedStart), db.timeArg(r.ExpectedEnd),
		); err != nil {
			return classify(fmt.Sprintf("insert route %d", r.RouteNumber), err)
		}
		for _, s := range ir.Stops {
			if _, err := stopStmt.ExecContext(ctx,
				s.StationID, r.Key.ID, db.timeArg(r.Key.ExpectedStart), s.Key.Sequence,
				db.nullTimeArg(s.ExpectedArrival), db.nullTimeArg(s.ExpectedDeparture),
			); err != nil {
				return classify(fmt.Sprintf("insert stop %d of route %d", s.Key.Sequence, r.RouteNumber), err)
			}
			stopCount++
		}
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO timetable_imports (service_day, imported_at, route_count, stop_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (service_day) DO UPDATE SET
			imported_at = excluded.imported_at,
			route_count = excluded.route_count,
			stop_count = excluded.stop_count`),
		serviceDay, db.timeArg(time.Now()), len(routes), stopCount,
	); err != nil {
		return classify("record import", err)
	}

	return classify("commit import", tx.Commit())
}

// TimetableImportedAt returns when a service day was imported
func (db *DB) TimetableImportedAt(ctx context.Context, serviceDay string) (*time.Time, error) {
	var at nullTime
	err := db.conn.GetContext(ctx, &at, db.rebind(`SELECT imported_at FROM timetable_imports WHERE service_day = ?`), serviceDay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("timetable import lookup", err)
	}
	return at.Ptr(), nil
}
