package metrics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyAggregatorKeepsThreeExamples(t *testing.T) {
	agg := NewAnomalyAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agg.Add(AnomalyNoStop, fmt.Sprintf("station %d", i))
		}(i)
	}
	wg.Wait()
	agg.Add(AnomalyParse, "fragment 2")

	snap := agg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 10, snap[AnomalyNoStop].Count)
	assert.Len(t, snap[AnomalyNoStop].Examples, 3)
	assert.Equal(t, []string{"fragment 2"}, snap[AnomalyParse].Examples)
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		succeeded, total int
		cancelled        bool
		want             string
	}{
		{10, 10, false, "healthy"},
		{9, 10, false, "healthy"},
		{9, 10, true, "degraded"},
		{6, 10, false, "degraded"},
		{2, 10, false, "unhealthy"},
		{0, 0, false, "idle"},
		{0, 0, true, "unhealthy"},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d/%d/%v", tc.succeeded, tc.total, tc.cancelled), func(t *testing.T) {
			assert.Equal(t, tc.want, HealthStatus(tc.succeeded, tc.total, tc.cancelled))
		})
	}
}

type memoryHealthStore struct {
	reports  []CycleReport
	cleanups int
}

func (m *memoryHealthStore) RecordCycle(ctx context.Context, report CycleReport) error {
	m.reports = append([]CycleReport{report}, m.reports...)
	return nil
}

func (m *memoryHealthStore) RecentCycles(ctx context.Context, limit int) ([]CycleReport, error) {
	if limit > len(m.reports) {
		limit = len(m.reports)
	}
	return m.reports[:limit], nil
}

func (m *memoryHealthStore) CleanupCycleHistory(ctx context.Context, retention time.Duration) error {
	m.cleanups++
	return nil
}

func TestHealthRecorder(t *testing.T) {
	store := &memoryHealthStore{}
	rec := NewHealthRecorder(store, time.Hour)
	assert.Nil(t, rec.Last())

	start := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	rec.Record(context.Background(), CycleReport{
		CycleID:         "c1",
		StartedAt:       start,
		FinishedAt:      start.Add(2 * time.Second),
		RoutesTotal:     4,
		RoutesSucceeded: 3,
		RoutesFailed:    1,
	})
	rec.RecordOverrun()

	last := rec.Last()
	require.NotNil(t, last)
	assert.Equal(t, "degraded", last.Status)
	assert.Equal(t, 2*time.Second, last.Duration())
	assert.Equal(t, int64(1), rec.Overruns())
	assert.Equal(t, 1, store.cleanups)

	recent, err := rec.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c1", recent[0].CycleID)
}
