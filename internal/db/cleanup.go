package db

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Cleanup deletes poller bookkeeping older than the retention duration.
// Timetable rows are kept; their retention is handled outside the poller.
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) error {
	if retention < time.Hour {
		retention = time.Hour
	}
	cutoff := db.timeArg(time.Now().Add(-retention))

	queries := []struct {
		name  string
		query string
	}{
		{
			name:  "notifications",
			query: `DELETE FROM notifications WHERE created_at < ?`,
		},
		{
			name:  "cycle_health",
			query: `DELETE FROM cycle_health WHERE started_at < ?`,
		},
	}

	db.LockWrite()
	defer db.UnlockWrite()

	totalDeleted := 0
	for _, q := range queries {
		result, err := db.conn.ExecContext(ctx, db.rebind(q.query), cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup %s: %w", q.name, classify("cleanup", err))
		}
		rows, _ := result.RowsAffected()
		totalDeleted += int(rows)
	}

	if totalDeleted > 0 {
		log.Printf("Cleanup: deleted %d records older than %v", totalDeleted, retention)
	}

	return nil
}
