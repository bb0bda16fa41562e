package metrics

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// HealthStore persists cycle reports for observability tooling
type HealthStore interface {
	RecordCycle(ctx context.Context, report CycleReport) error
	RecentCycles(ctx context.Context, limit int) ([]CycleReport, error)
	CleanupCycleHistory(ctx context.Context, retention time.Duration) error
}

// HealthRecorder keeps the latest cycle report in memory and persists each one
type HealthRecorder struct {
	store     HealthStore
	retention time.Duration

	mu       sync.RWMutex
	last     *CycleReport
	overruns atomic.Int64
}

// NewHealthRecorder creates a recorder. store may be nil to keep reports in memory only.
func NewHealthRecorder(store HealthStore, retention time.Duration) *HealthRecorder {
	return &HealthRecorder{store: store, retention: retention}
}

// Record grades and stores a finished cycle. Persistence failures are logged.
func (h *HealthRecorder) Record(ctx context.Context, report CycleReport) {
	report.Status = HealthStatus(report.RoutesSucceeded, report.RoutesTotal, report.Cancelled)

	h.mu.Lock()
	h.last = &report
	h.mu.Unlock()

	if h.store == nil {
		return
	}
	if err := h.store.RecordCycle(ctx, report); err != nil {
		log.Printf("Health: failed to record cycle %s: %v", shortID(report.CycleID), err)
	}
	if err := h.store.CleanupCycleHistory(ctx, h.retention); err != nil {
		log.Printf("Health: cleanup failed: %v", err)
	}
}

// RecordOverrun counts a trigger skipped because a cycle was still running
func (h *HealthRecorder) RecordOverrun() {
	h.overruns.Add(1)
}

// Overruns returns the number of skipped triggers since start
func (h *HealthRecorder) Overruns() int64 {
	return h.overruns.Load()
}

// Last returns the most recent cycle report, or nil before the first cycle
func (h *HealthRecorder) Last() *CycleReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return nil
	}
	report := *h.last
	return &report
}

// Recent returns persisted reports, newest first
func (h *HealthRecorder) Recent(ctx context.Context, limit int) ([]CycleReport, error) {
	if h.store == nil {
		if last := h.Last(); last != nil {
			return []CycleReport{*last}, nil
		}
		return nil, nil
	}
	return h.store.RecentCycles(ctx, limit)
}
