package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hzpp-delays/poller/internal/models"
)

type favoriteRow struct {
	UserID              string        `db:"user_id"`
	RouteNumber         int           `db:"route_number"`
	AlertOnRailwayWorks bool          `db:"alert_on_railway_works"`
	AlertOnDelayMinutes sql.NullInt64 `db:"alert_on_delay_minutes"`
}

// RegisterFavorite inserts or replaces a user's subscription to a route number
func (db *DB) RegisterFavorite(ctx context.Context, f models.Favorite) error {
	db.LockWrite()
	defer db.UnlockWrite()

	var threshold any
	if f.AlertOnDelayMinutes != nil {
		threshold = *f.AlertOnDelayMinutes
	}

	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO favorites (user_id, route_number, alert_on_railway_works, alert_on_delay_minutes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, route_number) DO UPDATE SET
			alert_on_railway_works = excluded.alert_on_railway_works,
			alert_on_delay_minutes = excluded.alert_on_delay_minutes`),
		f.UserID, f.RouteNumber, f.AlertOnRailwayWorks, threshold, db.timeArg(time.Now()),
	)
	return classify("register favorite", err)
}

// FavoritesForRoute returns every subscription to a route number
func (db *DB) FavoritesForRoute(ctx context.Context, routeNumber int) ([]models.Favorite, error) {
	var rows []favoriteRow
	err := db.conn.SelectContext(ctx, &rows, db.rebind(`
		SELECT user_id, route_number, alert_on_railway_works, alert_on_delay_minutes
		FROM favorites
		WHERE route_number = ?
		ORDER BY user_id`), routeNumber)
	if err != nil {
		return nil, classify("favorites for route", err)
	}

	favorites := make([]models.Favorite, 0, len(rows))
	for _, r := range rows {
		f := models.Favorite{
			UserID:              r.UserID,
			RouteNumber:         r.RouteNumber,
			AlertOnRailwayWorks: r.AlertOnRailwayWorks,
		}
		if r.AlertOnDelayMinutes.Valid {
			minutes := int(r.AlertOnDelayMinutes.Int64)
			f.AlertOnDelayMinutes = &minutes
		}
		favorites = append(favorites, f)
	}
	return favorites, nil
}
