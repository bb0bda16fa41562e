// Package static imports the scheduled timetable from the HZPP planner and
// keeps it fresh.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/hzpp-delays/poller/internal/config"
	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/models"
)

const serviceDayLayout = "2006-01-02"

// Store is where imported timetables are written
type Store interface {
	ImportTimetable(ctx context.Context, serviceDay string, stations []models.Station, routes []db.ImportedRoute) error
	TimetableImportedAt(ctx context.Context, serviceDay string) (*time.Time, error)
}

// Importer downloads stations and the day's runs and writes them to the store
type Importer struct {
	cfg      *config.Config
	store    Store
	loc      *time.Location
	client   *http.Client
	validate *validator.Validate
}

// NewImporter creates an importer for the service days of cfg's timezone
func NewImporter(cfg *config.Config, store Store) *Importer {
	return &Importer{
		cfg:      cfg,
		store:    store,
		loc:      cfg.Location(),
		client:   &http.Client{Timeout: 2 * time.Minute},
		validate: validator.New(),
	}
}

// ImportSummary reports what an import wrote
type ImportSummary struct {
	ServiceDay string
	Stations   int
	Routes     int
	Skipped    int
}

// Import fetches and stores the timetable of the service day containing day.
// Runs that fail validation are logged and skipped; existing rows are kept.
func (im *Importer) Import(ctx context.Context, day time.Time) (*ImportSummary, error) {
	local := day.In(im.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, im.loc)
	summary := &ImportSummary{ServiceDay: midnight.Format(serviceDayLayout)}

	var rawStations []plannerStation
	if err := im.getJSON(ctx, im.cfg.TimetableStationsURL, &rawStations); err != nil {
		return nil, fmt.Errorf("failed to fetch stations: %w", err)
	}
	var rawRoutes []plannerRoute
	routesURL := fmt.Sprintf(im.cfg.TimetableRoutesURL, midnight.Format("20060102"))
	if err := im.getJSON(ctx, routesURL, &rawRoutes); err != nil {
		return nil, fmt.Errorf("failed to fetch routes: %w", err)
	}
	log.Printf("Timetable: got %d stations and %d routes for %s", len(rawStations), len(rawRoutes), summary.ServiceDay)

	stations := make([]models.Station, 0, len(rawStations))
	known := make(map[int64]bool, len(rawStations))
	for _, s := range rawStations {
		if err := im.validate.Struct(s); err != nil {
			log.Printf("Timetable: skipping station %q: %v", s.StopID, err)
			continue
		}
		station, err := s.model()
		if err != nil {
			log.Printf("Timetable: skipping %v", err)
			continue
		}
		stations = append(stations, station)
		known[station.ID] = true
	}

	routes := make([]db.ImportedRoute, 0, len(rawRoutes))
	for _, r := range rawRoutes {
		if err := im.validate.Struct(r); err != nil {
			log.Printf("Timetable: skipping route %d: %v", r.RouteNumber, err)
			summary.Skipped++
			continue
		}
		route, err := r.convert(midnight)
		if err != nil {
			log.Printf("Timetable: skipping %v", err)
			summary.Skipped++
			continue
		}
		if id, ok := unknownStation(route, known); !ok {
			log.Printf("Timetable: skipping route %d: unknown station %d", r.RouteNumber, id)
			summary.Skipped++
			continue
		}
		routes = append(routes, route)
	}

	if err := im.store.ImportTimetable(ctx, summary.ServiceDay, stations, routes); err != nil {
		return nil, err
	}
	summary.Stations, summary.Routes = len(stations), len(routes)
	log.Printf("Timetable: imported %s (%d stations, %d routes, %d skipped)",
		summary.ServiceDay, summary.Stations, summary.Routes, summary.Skipped)
	return summary, nil
}

func unknownStation(route db.ImportedRoute, known map[int64]bool) (int64, bool) {
	for _, s := range route.Stops {
		if !known[s.StationID] {
			return s.StationID, false
		}
	}
	return 0, true
}

// RefreshIfStale imports the service day containing now unless it was
// imported within the last TimetableRefreshHours
func (im *Importer) RefreshIfStale(ctx context.Context, now time.Time) (bool, error) {
	local := now.In(im.loc)
	serviceDay := local.Format(serviceDayLayout)

	importedAt, err := im.store.TimetableImportedAt(ctx, serviceDay)
	if err != nil {
		return false, err
	}
	maxAge := time.Duration(im.cfg.TimetableRefreshHours) * time.Hour
	if importedAt != nil && now.Sub(*importedAt) < maxAge {
		log.Printf("Timetable: %s is fresh, skipping refresh", serviceDay)
		return false, nil
	}

	if _, err := im.Import(ctx, now); err != nil {
		return false, err
	}
	return true, nil
}

// Run refreshes the timetable at start and then hourly until ctx is done
func (im *Importer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		if _, err := im.RefreshIfStale(ctx, time.Now()); err != nil {
			log.Printf("Timetable: refresh failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (im *Importer) getJSON(ctx context.Context, url string, dst any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = im.cfg.RetryInitialBackoff
	b.MaxInterval = im.cfg.RetryMaxBackoff

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := im.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("HTTP %d from %s", resp.StatusCode, url))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, dst); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", url, err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Printf("Timetable: %v, retrying in %v", err, wait)
	}
	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(im.cfg.RetryAttempts)), ctx), notify)
}
