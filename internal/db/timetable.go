package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hzpp-delays/poller/internal/models"
)

const routeColumns = `
	r.id, r.route_number, r.source, r.destination, r.bikes_allowed,
	r.wheelchair_accessible, r.route_type, r.real_start_time,
	r.expected_start_time, r.real_end_time, r.expected_end_time`

type routeRow struct {
	ID                   int64    `db:"id"`
	RouteNumber          int      `db:"route_number"`
	Source               string   `db:"source"`
	Destination          string   `db:"destination"`
	BikesAllowed         bool     `db:"bikes_allowed"`
	WheelchairAccessible bool     `db:"wheelchair_accessible"`
	RouteType            int      `db:"route_type"`
	RealStart            nullTime `db:"real_start_time"`
	ExpectedStart        nullTime `db:"expected_start_time"`
	RealEnd              nullTime `db:"real_end_time"`
	ExpectedEnd          nullTime `db:"expected_end_time"`
}

func (r routeRow) model() models.Route {
	return models.Route{
		Key:                  models.RouteKey{ID: r.ID, ExpectedStart: r.ExpectedStart.Time},
		RouteNumber:          r.RouteNumber,
		Source:               r.Source,
		Destination:          r.Destination,
		BikesAllowed:         r.BikesAllowed,
		WheelchairAccessible: r.WheelchairAccessible,
		RouteType:            models.RouteType(r.RouteType),
		ExpectedEnd:          r.ExpectedEnd.Time,
		RealStart:            r.RealStart.Ptr(),
		RealEnd:              r.RealEnd.Ptr(),
	}
}

const stopColumns = `
	s.station_id, s.route_id, s.route_expected_start_time, s.sequence,
	s.real_arrival, s.expected_arrival, s.real_departure, s.expected_departure,
	st.code AS station_code, st.name AS station_name,
	st.latitude AS station_latitude, st.longitude AS station_longitude`

type stopRow struct {
	StationID         int64           `db:"station_id"`
	RouteID           int64           `db:"route_id"`
	RouteStart        nullTime        `db:"route_expected_start_time"`
	Sequence          int             `db:"sequence"`
	RealArrival       nullTime        `db:"real_arrival"`
	ExpectedArrival   nullTime        `db:"expected_arrival"`
	RealDeparture     nullTime        `db:"real_departure"`
	ExpectedDeparture nullTime        `db:"expected_departure"`
	StationCode       string          `db:"station_code"`
	StationName       string          `db:"station_name"`
	Latitude          sql.NullFloat64 `db:"station_latitude"`
	Longitude         sql.NullFloat64 `db:"station_longitude"`
}

func (r stopRow) model() models.StopDetail {
	station := models.Station{ID: r.StationID, Code: r.StationCode, Name: r.StationName}
	if r.Latitude.Valid && r.Longitude.Valid {
		lat, lng := r.Latitude.Float64, r.Longitude.Float64
		station.Latitude, station.Longitude = &lat, &lng
	}
	return models.StopDetail{
		Stop: models.Stop{
			Key: models.StopKey{
				Route:    models.RouteKey{ID: r.RouteID, ExpectedStart: r.RouteStart.Time},
				Sequence: r.Sequence,
			},
			StationID:         r.StationID,
			ExpectedArrival:   r.ExpectedArrival.Ptr(),
			ExpectedDeparture: r.ExpectedDeparture.Ptr(),
			RealArrival:       r.RealArrival.Ptr(),
			RealDeparture:     r.RealDeparture.Ptr(),
		},
		Station: station,
	}
}

// ActiveRoutes returns unfinished runs whose expected start lies in [from, to]
func (db *DB) ActiveRoutes(ctx context.Context, from, to time.Time) ([]models.Route, error) {
	query := db.rebind(`SELECT ` + routeColumns + `
		FROM routes r
		WHERE r.expected_start_time >= ? AND r.expected_start_time <= ?
		  AND r.real_end_time IS NULL
		ORDER BY r.expected_start_time, r.route_number`)

	var rows []routeRow
	if err := db.conn.SelectContext(ctx, &rows, query, db.timeArg(from), db.timeArg(to)); err != nil {
		return nil, classify("active routes", err)
	}
	return routeModels(rows), nil
}

// RoutesByNumber returns the runs of a train number starting in [from, to]
func (db *DB) RoutesByNumber(ctx context.Context, routeNumber int, from, to time.Time) ([]models.Route, error) {
	query := db.rebind(`SELECT ` + routeColumns + `
		FROM routes r
		WHERE r.route_number = ?
		  AND r.expected_start_time >= ? AND r.expected_start_time <= ?
		ORDER BY r.expected_start_time`)

	var rows []routeRow
	if err := db.conn.SelectContext(ctx, &rows, query, routeNumber, db.timeArg(from), db.timeArg(to)); err != nil {
		return nil, classify("routes by number", err)
	}
	return routeModels(rows), nil
}

// GetRoute returns a single run
func (db *DB) GetRoute(ctx context.Context, key models.RouteKey) (*models.Route, error) {
	query := db.rebind(`SELECT ` + routeColumns + `
		FROM routes r
		WHERE r.expected_start_time = ? AND r.id = ?`)

	var row routeRow
	err := db.conn.GetContext(ctx, &row, query, db.timeArg(key.ExpectedStart), key.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get route", err)
	}
	route := row.model()
	return &route, nil
}

// CurrentRun returns the run of routeNumber whose scheduled window contains
// now, falling back to the latest run that has already started.
func (db *DB) CurrentRun(ctx context.Context, routeNumber int, now time.Time) (*models.Route, error) {
	query := db.rebind(`SELECT ` + routeColumns + `
		FROM routes r
		WHERE r.route_number = ? AND r.expected_start_time <= ?
		ORDER BY CASE WHEN r.expected_end_time >= ? THEN 0 ELSE 1 END, r.expected_start_time DESC
		LIMIT 1`)

	var row routeRow
	err := db.conn.GetContext(ctx, &row, query, routeNumber, db.timeArg(now), db.timeArg(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route number %d: %w", routeNumber, ErrNotFound)
	}
	if err != nil {
		return nil, classify("current run", err)
	}
	route := row.model()
	return &route, nil
}

// RouteStops returns the stops of a run in sequence order, joined with stations
func (db *DB) RouteStops(ctx context.Context, key models.RouteKey) ([]models.StopDetail, error) {
	query := db.rebind(`SELECT ` + stopColumns + `
		FROM stops s
		JOIN stations st ON st.id = s.station_id
		WHERE s.route_id = ? AND s.route_expected_start_time = ?
		ORDER BY s.sequence`)

	var rows []stopRow
	if err := db.conn.SelectContext(ctx, &rows, query, key.ID, db.timeArg(key.ExpectedStart)); err != nil {
		return nil, classify("route stops", err)
	}
	return stopModels(rows), nil
}

// LastObservedSequence returns the highest sequence of the run with a real
// time recorded, or 0 when nothing has been observed yet.
func (db *DB) LastObservedSequence(ctx context.Context, key models.RouteKey) (int, error) {
	query := db.rebind(`SELECT COALESCE(MAX(sequence), 0)
		FROM stops
		WHERE route_id = ? AND route_expected_start_time = ?
		  AND (real_arrival IS NOT NULL OR real_departure IS NOT NULL)`)

	var seq int
	if err := db.conn.GetContext(ctx, &seq, query, key.ID, db.timeArg(key.ExpectedStart)); err != nil {
		return 0, classify("last observed sequence", err)
	}
	return seq, nil
}

// ObservedStop is a stop with a recorded real time and the number of its run
type ObservedStop struct {
	models.StopDetail
	RouteNumber int
}

// ObservedStopsSince returns observed stops of runs starting at or after since.
// Used to rebuild derived delay statistics.
func (db *DB) ObservedStopsSince(ctx context.Context, since time.Time) ([]ObservedStop, error) {
	query := db.rebind(`SELECT ` + stopColumns + `, r.route_number
		FROM stops s
		JOIN stations st ON st.id = s.station_id
		JOIN routes r ON r.id = s.route_id AND r.expected_start_time = s.route_expected_start_time
		WHERE s.route_expected_start_time >= ?
		  AND (s.real_arrival IS NOT NULL OR s.real_departure IS NOT NULL)
		ORDER BY s.route_expected_start_time, s.route_id, s.sequence`)

	var rows []struct {
		stopRow
		RouteNumber int `db:"route_number"`
	}
	if err := db.conn.SelectContext(ctx, &rows, query, db.timeArg(since)); err != nil {
		return nil, classify("observed stops", err)
	}

	out := make([]ObservedStop, 0, len(rows))
	for _, r := range rows {
		out = append(out, ObservedStop{StopDetail: r.stopRow.model(), RouteNumber: r.RouteNumber})
	}
	return out, nil
}

func routeModels(rows []routeRow) []models.Route {
	out := make([]models.Route, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

func stopModels(rows []stopRow) []models.StopDetail {
	out := make([]models.StopDetail, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}
