// Package engine is the query and control surface of the poller: trigger a
// cycle, read delay statistics, register favorites and read the live state
// of a route.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hzpp-delays/poller/internal/delays"
	"github.com/hzpp-delays/poller/internal/metrics"
	"github.com/hzpp-delays/poller/internal/models"
)

// ErrInvalidRequest is wrapped by every rejected request
var ErrInvalidRequest = errors.New("invalid request")

// Store is the persistence the engine reads and writes
type Store interface {
	CurrentRun(ctx context.Context, routeNumber int, now time.Time) (*models.Route, error)
	RouteStops(ctx context.Context, key models.RouteKey) ([]models.StopDetail, error)
	LastObservedSequence(ctx context.Context, key models.RouteKey) (int, error)
	RegisterFavorite(ctx context.Context, f models.Favorite) error
}

// CycleRunner runs scrape cycles
type CycleRunner interface {
	RunCycle(ctx context.Context) (*metrics.CycleReport, error)
}

// Engine ties the store, the scheduler and the aggregator together
type Engine struct {
	store      Store
	cycles     CycleRunner
	aggregator *delays.Aggregator
	validate   *validator.Validate
	now        func() time.Time
}

// New creates an engine
func New(store Store, cycles CycleRunner, aggregator *delays.Aggregator) *Engine {
	return &Engine{
		store:      store,
		cycles:     cycles,
		aggregator: aggregator,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// RunCycle triggers one scrape cycle outside the regular schedule
func (e *Engine) RunCycle(ctx context.Context) (*metrics.CycleReport, error) {
	return e.cycles.RunCycle(ctx)
}

// GetDelayStats returns the per-window statistics selected by f, as of the
// last committed update
func (e *Engine) GetDelayStats(f delays.Filter) ([]delays.DelayStat, error) {
	if err := e.validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, fmt.Errorf("%w: window start must be before its end", ErrInvalidRequest)
	}
	return e.aggregator.Stats(f), nil
}

// GetDelayTotals merges the selected windows into one aggregate per key
func (e *Engine) GetDelayTotals(f delays.Filter) ([]delays.DelayStat, error) {
	if _, err := e.GetDelayStats(f); err != nil {
		return nil, err
	}
	return e.aggregator.Totals(f), nil
}

// RegisterFavorite validates and stores a subscription
func (e *Engine) RegisterFavorite(ctx context.Context, f models.Favorite) error {
	if err := e.validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return e.store.RegisterFavorite(ctx, f)
}

// StopStatus is the live state of one stop
type StopStatus struct {
	Sequence          int        `json:"sequence"`
	StationCode       string     `json:"stationCode"`
	StationName       string     `json:"stationName"`
	ExpectedArrival   *time.Time `json:"expectedArrival"`
	ExpectedDeparture *time.Time `json:"expectedDeparture"`
	RealArrival       *time.Time `json:"realArrival"`
	RealDeparture     *time.Time `json:"realDeparture"`
	ArrivalDelay      *int       `json:"arrivalDelaySeconds"`
	DepartureDelay    *int       `json:"departureDelaySeconds"`
}

// RouteStatus is the live state of the current run of a route number
type RouteStatus struct {
	RouteNumber          int          `json:"routeNumber"`
	RouteID              int64        `json:"routeId"`
	Source               string       `json:"source"`
	Destination          string       `json:"destination"`
	RouteType            string       `json:"routeType"`
	ExpectedStart        time.Time    `json:"expectedStart"`
	ExpectedEnd          time.Time    `json:"expectedEnd"`
	RealStart            *time.Time   `json:"realStart"`
	RealEnd              *time.Time   `json:"realEnd"`
	BikesAllowed         bool         `json:"bikesAllowed"`
	WheelchairAccessible bool         `json:"wheelchairAccessible"`
	LastObservedSequence int          `json:"lastObservedSequence"`
	Stops                []StopStatus `json:"stops"`
}

// GetRouteStatus returns the current run of routeNumber with every stop.
// Delays are nil where a stop has not been observed.
func (e *Engine) GetRouteStatus(ctx context.Context, routeNumber int) (*RouteStatus, error) {
	if routeNumber <= 0 {
		return nil, fmt.Errorf("%w: route number must be positive", ErrInvalidRequest)
	}

	run, err := e.store.CurrentRun(ctx, routeNumber, e.now())
	if err != nil {
		return nil, err
	}
	stops, err := e.store.RouteStops(ctx, run.Key)
	if err != nil {
		return nil, err
	}
	cursor, err := e.store.LastObservedSequence(ctx, run.Key)
	if err != nil {
		return nil, err
	}

	status := &RouteStatus{
		RouteNumber:          run.RouteNumber,
		RouteID:              run.Key.ID,
		Source:               run.Source,
		Destination:          run.Destination,
		RouteType:            run.RouteType.String(),
		ExpectedStart:        run.Key.ExpectedStart,
		ExpectedEnd:          run.ExpectedEnd,
		RealStart:            run.RealStart,
		RealEnd:              run.RealEnd,
		BikesAllowed:         run.BikesAllowed,
		WheelchairAccessible: run.WheelchairAccessible,
		LastObservedSequence: cursor,
		Stops:                make([]StopStatus, 0, len(stops)),
	}
	for _, s := range stops {
		status.Stops = append(status.Stops, StopStatus{
			Sequence:          s.Key.Sequence,
			StationCode:       s.Station.Code,
			StationName:       s.Station.Name,
			ExpectedArrival:   s.ExpectedArrival,
			ExpectedDeparture: s.ExpectedDeparture,
			RealArrival:       s.RealArrival,
			RealDeparture:     s.RealDeparture,
			ArrivalDelay:      seconds(s.ArrivalDelay()),
			DepartureDelay:    seconds(s.DepartureDelay()),
		})
	}
	return status, nil
}

func seconds(d *time.Duration) *int {
	if d == nil {
		return nil
	}
	s := int(d.Seconds())
	return &s
}
