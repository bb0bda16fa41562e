package delays

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/models"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func clock(h, m int) *time.Time {
	t := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	return &t
}

var run101 = models.RouteKey{ID: 1, ExpectedStart: *clock(8, 0)}

func stopAt(seq int, code string, expected, real *time.Time) models.StopDetail {
	return models.StopDetail{
		Stop: models.Stop{
			Key:             models.StopKey{Route: run101, Sequence: seq},
			ExpectedArrival: expected,
			RealArrival:     real,
		},
		Station: models.Station{Code: code},
	}
}

func TestRecordSevenMinuteDelay(t *testing.T) {
	agg := NewAggregator(nil)

	changed := agg.Record(stopAt(1, "ZGB", clock(8, 10), clock(8, 17)), 101)
	assert.True(t, changed)

	stats := agg.Stats(Filter{Dimension: ByStation, Key: "ZGB"})
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Count)
	assert.Equal(t, 420.0, stats[0].SumSeconds)
	assert.Equal(t, 420.0, stats[0].MaxSeconds)
	assert.Equal(t, *clock(8, 0), stats[0].WindowStart)
	assert.Equal(t, *clock(9, 0), stats[0].WindowEnd)

	line := agg.Stats(Filter{Dimension: ByLine, Key: "101"})
	require.Len(t, line, 1)
	assert.Equal(t, 1, line[0].Count)
}

func TestRecordTwiceCountsOnce(t *testing.T) {
	agg := NewAggregator(nil)
	stop := stopAt(1, "ZGB", clock(8, 10), clock(8, 17))

	assert.True(t, agg.Record(stop, 101))
	assert.False(t, agg.Record(stop, 101))

	stats := agg.Stats(Filter{Dimension: ByStation, Key: "ZGB"})
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Count)
	assert.Equal(t, 1, agg.Samples())
}

func TestCorrectionReplacesSample(t *testing.T) {
	agg := NewAggregator(nil)

	agg.Record(stopAt(1, "ZGB", clock(8, 10), clock(8, 17)), 101)
	agg.Record(stopAt(2, "ZGB", clock(8, 40), clock(8, 42)), 101)
	agg.Record(stopAt(1, "ZGB", clock(8, 10), clock(8, 13)), 101)

	stats := agg.Stats(Filter{Dimension: ByStation, Key: "ZGB"})
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Count)
	assert.InDelta(t, 300.0, stats[0].SumSeconds, 1e-6)
	assert.InDelta(t, 180.0, stats[0].MaxSeconds, 1e-6)
	assert.InDelta(t, 150.0, stats[0].MeanSeconds, 1e-6)
}

func TestUnobservedStopRemovesSample(t *testing.T) {
	agg := NewAggregator(nil)
	agg.Record(stopAt(1, "ZGB", clock(8, 10), clock(8, 17)), 101)

	assert.True(t, agg.Record(stopAt(1, "ZGB", clock(8, 10), nil), 101))
	assert.Empty(t, agg.Stats(Filter{Dimension: ByStation}))
	assert.False(t, agg.Record(stopAt(1, "ZGB", clock(8, 10), nil), 101))
}

func TestDepartureDelayWhenNoArrival(t *testing.T) {
	agg := NewAggregator(nil)
	stop := models.StopDetail{
		Stop: models.Stop{
			Key:               models.StopKey{Route: run101, Sequence: 1},
			ExpectedDeparture: clock(8, 0),
			RealDeparture:     clock(8, 4),
		},
		Station: models.Station{Code: "ZGB"},
	}
	agg.Record(stop, 101)

	stats := agg.Stats(Filter{Dimension: ByStation, Key: "ZGB"})
	require.Len(t, stats, 1)
	assert.Equal(t, 240.0, stats[0].SumSeconds)
}

func TestStatsWindowFilter(t *testing.T) {
	agg := NewAggregator(nil)
	agg.Record(stopAt(1, "ZGB", clock(8, 10), clock(8, 17)), 101)
	agg.Record(stopAt(2, "ZGB", clock(10, 5), clock(10, 6)), 101)
	agg.Record(stopAt(3, "DSV", clock(10, 20), clock(10, 30)), 101)

	stats := agg.Stats(Filter{Dimension: ByStation, From: *clock(9, 30), To: *clock(11, 0)})
	require.Len(t, stats, 2)
	assert.Equal(t, "DSV", stats[0].Key)
	assert.Equal(t, "ZGB", stats[1].Key)
	assert.Equal(t, *clock(10, 0), stats[1].WindowStart)

	assert.Empty(t, agg.Stats(Filter{Dimension: ByStation, To: *clock(8, 0)}))

	totals := agg.Totals(Filter{Dimension: ByStation, Key: "ZGB"})
	require.Len(t, totals, 1)
	assert.Equal(t, 2, totals[0].Count)
	assert.Equal(t, 480.0, totals[0].SumSeconds)
	assert.Equal(t, 240.0, totals[0].MeanSeconds)
	assert.Equal(t, 420.0, totals[0].MaxSeconds)
	assert.Equal(t, *clock(8, 0), totals[0].WindowStart)
	assert.Equal(t, *clock(11, 0), totals[0].WindowEnd)

	line := agg.Totals(Filter{Dimension: ByLine})
	require.Len(t, line, 1)
	assert.Equal(t, 3, line[0].Count)
}

func TestParseDimension(t *testing.T) {
	d, err := ParseDimension("region")
	require.NoError(t, err)
	assert.Equal(t, ByRegion, d)

	_, err = ParseDimension("county")
	assert.Error(t, err)
}

type fakeSource struct {
	stops []db.ObservedStop
	since time.Time
}

func (f *fakeSource) ObservedStopsSince(ctx context.Context, since time.Time) ([]db.ObservedStop, error) {
	f.since = since
	return f.stops, nil
}

func TestRebuild(t *testing.T) {
	agg := NewAggregator(nil)
	agg.Record(stopAt(9, "OLD", clock(6, 0), clock(6, 30)), 7)

	source := &fakeSource{stops: []db.ObservedStop{
		{StopDetail: stopAt(1, "ZGB", clock(8, 10), clock(8, 17)), RouteNumber: 101},
		{StopDetail: stopAt(2, "DSV", clock(8, 30), clock(8, 31)), RouteNumber: 101},
	}}
	require.NoError(t, agg.Rebuild(context.Background(), source, *clock(0, 0)))

	assert.Equal(t, *clock(0, 0), source.since)
	assert.Equal(t, 2, agg.Samples())
	assert.Empty(t, agg.Stats(Filter{Dimension: ByStation, Key: "OLD"}))

	line := agg.Totals(Filter{Dimension: ByLine, Key: "101"})
	require.Len(t, line, 1)
	assert.Equal(t, 2, line[0].Count)
	assert.Equal(t, 480.0, line[0].SumSeconds)
}
