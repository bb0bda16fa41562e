package db

import (
	"context"

	"github.com/hzpp-delays/poller/internal/models"
)

// RecordNotification stores a notification in the ledger unless one already
// exists for the same user, run, reason and cool-down bucket. It reports
// whether the notification is new and should be delivered.
func (db *DB) RecordNotification(ctx context.Context, n models.Notification, bucket string) (bool, error) {
	db.LockWrite()
	defer db.UnlockWrite()

	res, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO notifications (notification_id, user_id, route_id, route_expected_start_time,
			route_number, reason, magnitude, cooldown_bucket, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, route_id, route_expected_start_time, reason, cooldown_bucket) DO NOTHING`),
		n.ID, n.UserID, n.Route.ID, db.timeArg(n.Route.ExpectedStart),
		n.RouteNumber, string(n.Reason), n.Magnitude, bucket, db.timeArg(n.CreatedAt),
	)
	if err != nil {
		return false, classify("record notification", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("record notification", err)
	}
	return affected == 1, nil
}

// CountNotifications returns the number of ledger entries for a user
func (db *DB) CountNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.conn.GetContext(ctx, &count, db.rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = ?`), userID)
	if err != nil {
		return 0, classify("count notifications", err)
	}
	return count, nil
}

// ReleaseNotification removes a ledger entry whose delivery failed so a later
// qualifying update can claim the bucket again
func (db *DB) ReleaseNotification(ctx context.Context, notificationID string) error {
	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx, db.rebind(`DELETE FROM notifications WHERE notification_id = ?`), notificationID)
	if err != nil {
		return classify("release notification", err)
	}
	return nil
}
