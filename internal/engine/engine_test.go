package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/delays"
	"github.com/hzpp-delays/poller/internal/metrics"
	"github.com/hzpp-delays/poller/internal/models"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func clock(h, m int) *time.Time {
	t := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	return &t
}

type stubCycles struct {
	calls int
}

func (s *stubCycles) RunCycle(ctx context.Context) (*metrics.CycleReport, error) {
	s.calls++
	return &metrics.CycleReport{CycleID: "c1"}, nil
}

func newTestEngine(t *testing.T) (*Engine, *db.DB, *delays.Aggregator) {
	t.Helper()
	database, err := db.Connect("sqlite", filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.EnsureSchema(context.Background()))

	agg := delays.NewAggregator(nil)
	e := New(database, &stubCycles{}, agg)
	e.now = func() time.Time { return *clock(8, 20) }
	return e, database, agg
}

func seed(t *testing.T, database *db.DB) models.RouteKey {
	t.Helper()
	key := models.RouteKey{ID: 9001, ExpectedStart: *clock(8, 0)}
	stations := []models.Station{
		{ID: 1, Code: "A", Name: "Alpha"},
		{ID: 2, Code: "B", Name: "Beta"},
	}
	route := db.ImportedRoute{
		Route: models.Route{
			Key:          key,
			RouteNumber:  101,
			Source:       "Alpha",
			Destination:  "Beta",
			RouteType:    models.RouteTypeTrain,
			BikesAllowed: true,
			ExpectedEnd:  *clock(8, 30),
		},
		Stops: []models.Stop{
			{Key: models.StopKey{Sequence: 1}, StationID: 1, ExpectedDeparture: clock(8, 0)},
			{Key: models.StopKey{Sequence: 2}, StationID: 2, ExpectedArrival: clock(8, 30)},
		},
	}
	require.NoError(t, database.ImportTimetable(context.Background(), "2024-03-04", stations, []db.ImportedRoute{route}))
	return key
}

func TestGetRouteStatus(t *testing.T) {
	e, database, _ := newTestEngine(t)
	key := seed(t, database)
	ctx := context.Background()

	_, err := database.ApplyRouteUpdates(ctx, key, []models.StopUpdate{{Sequence: 1, RealDeparture: clock(8, 3)}})
	require.NoError(t, err)

	status, err := e.GetRouteStatus(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(9001), status.RouteID)
	assert.Equal(t, "train", status.RouteType)
	assert.True(t, status.BikesAllowed)
	assert.Equal(t, 1, status.LastObservedSequence)
	require.NotNil(t, status.RealStart)
	assert.True(t, status.RealStart.Equal(*clock(8, 3)))
	require.Len(t, status.Stops, 2)

	first := status.Stops[0]
	assert.Equal(t, "A", first.StationCode)
	assert.Nil(t, first.ArrivalDelay)
	require.NotNil(t, first.DepartureDelay)
	assert.Equal(t, 180, *first.DepartureDelay)

	second := status.Stops[1]
	assert.Nil(t, second.ArrivalDelay)
	assert.Nil(t, second.RealArrival)
}

func TestGetRouteStatusUnknownRoute(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.GetRouteStatus(context.Background(), 999)
	assert.True(t, errors.Is(err, db.ErrNotFound))

	_, err = e.GetRouteStatus(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestRegisterFavoriteValidates(t *testing.T) {
	e, database, _ := newTestEngine(t)
	ctx := context.Background()

	negative := -1
	tests := []struct {
		name     string
		favorite models.Favorite
		wantErr  bool
	}{
		{"valid", models.Favorite{UserID: "U1", RouteNumber: 101, AlertOnRailwayWorks: true}, false},
		{"missing user", models.Favorite{RouteNumber: 101}, true},
		{"bad route", models.Favorite{UserID: "U1", RouteNumber: 0}, true},
		{"negative threshold", models.Favorite{UserID: "U1", RouteNumber: 101, AlertOnDelayMinutes: &negative}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := e.RegisterFavorite(ctx, tc.favorite)
			if tc.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidRequest))
				return
			}
			assert.NoError(t, err)
		})
	}

	favorites, err := database.FavoritesForRoute(ctx, 101)
	require.NoError(t, err)
	assert.Len(t, favorites, 1)
}

func TestGetDelayStats(t *testing.T) {
	e, _, agg := newTestEngine(t)

	agg.Record(models.StopDetail{
		Stop: models.Stop{
			Key:             models.StopKey{Route: models.RouteKey{ID: 1, ExpectedStart: *clock(8, 0)}, Sequence: 1},
			ExpectedArrival: clock(8, 10),
			RealArrival:     clock(8, 17),
		},
		Station: models.Station{Code: "ZGB"},
	}, 101)

	stats, err := e.GetDelayStats(delays.Filter{Dimension: delays.ByStation})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 420.0, stats[0].MaxSeconds)

	totals, err := e.GetDelayTotals(delays.Filter{Dimension: delays.ByLine, Key: "101"})
	require.NoError(t, err)
	require.Len(t, totals, 1)

	_, err = e.GetDelayStats(delays.Filter{Dimension: "county"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = e.GetDelayStats(delays.Filter{Dimension: delays.ByStation, From: *clock(9, 0), To: *clock(8, 0)})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestRunCycleDelegates(t *testing.T) {
	cycles := &stubCycles{}
	e := New(nil, cycles, delays.NewAggregator(nil))

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", report.CycleID)
	assert.Equal(t, 1, cycles.calls)
}
