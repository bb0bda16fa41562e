package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hzpp-delays/poller/internal/metrics"
)

type cycleRow struct {
	CycleID         string   `db:"cycle_id"`
	StartedAt       nullTime `db:"started_at"`
	FinishedAt      nullTime `db:"finished_at"`
	RoutesTotal     int      `db:"routes_total"`
	RoutesSucceeded int      `db:"routes_succeeded"`
	RoutesFailed    int      `db:"routes_failed"`
	Anomalies       string   `db:"anomalies"`
	Status          string   `db:"status"`
	Cancelled       bool     `db:"cancelled"`
}

// RecordCycle stores a cycle health report
func (db *DB) RecordCycle(ctx context.Context, report metrics.CycleReport) error {
	anomalies, err := json.Marshal(report.Anomalies)
	if err != nil {
		return fmt.Errorf("failed to encode anomalies: %w", err)
	}

	db.LockWrite()
	defer db.UnlockWrite()

	_, err = db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO cycle_health (cycle_id, started_at, finished_at, routes_total,
			routes_succeeded, routes_failed, anomalies, status, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		report.CycleID,
		db.timeArg(report.StartedAt),
		db.timeArg(report.FinishedAt),
		report.RoutesTotal,
		report.RoutesSucceeded,
		report.RoutesFailed,
		string(anomalies),
		report.Status,
		report.Cancelled,
	)
	return classify("record cycle", err)
}

// RecentCycles returns the latest cycle reports, newest first
func (db *DB) RecentCycles(ctx context.Context, limit int) ([]metrics.CycleReport, error) {
	var rows []cycleRow
	err := db.conn.SelectContext(ctx, &rows, db.rebind(`
		SELECT cycle_id, started_at, finished_at, routes_total, routes_succeeded,
			routes_failed, anomalies, status, cancelled
		FROM cycle_health
		ORDER BY started_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, classify("recent cycles", err)
	}

	reports := make([]metrics.CycleReport, 0, len(rows))
	for _, r := range rows {
		report := metrics.CycleReport{
			CycleID:         r.CycleID,
			StartedAt:       r.StartedAt.Time,
			FinishedAt:      r.FinishedAt.Time,
			RoutesTotal:     r.RoutesTotal,
			RoutesSucceeded: r.RoutesSucceeded,
			RoutesFailed:    r.RoutesFailed,
			Status:          r.Status,
			Cancelled:       r.Cancelled,
		}
		if err := json.Unmarshal([]byte(r.Anomalies), &report.Anomalies); err != nil {
			return nil, fmt.Errorf("failed to decode anomalies of cycle %s: %w", r.CycleID, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CleanupCycleHistory removes cycle reports older than retention
func (db *DB) CleanupCycleHistory(ctx context.Context, retention time.Duration) error {
	db.LockWrite()
	defer db.UnlockWrite()

	cutoff := time.Now().Add(-retention)
	_, err := db.conn.ExecContext(ctx, db.rebind(`DELETE FROM cycle_health WHERE started_at < ?`), db.timeArg(cutoff))
	return classify("cleanup cycle history", err)
}
