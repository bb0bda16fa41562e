package metrics

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Anomaly kinds recorded during a cycle
const (
	AnomalyFetchTransient = "fetch_transient"
	AnomalyFetchPermanent = "fetch_permanent"
	AnomalyParse          = "parse_error"
	AnomalyNoRoute        = "unmatched_no_route"
	AnomalyNoStop         = "unmatched_no_stop"
	AnomalyAmbiguous      = "ambiguous_route"
	AnomalyMonotonicity   = "monotonicity_violation"
	AnomalyPersistence    = "persistence_error"
	AnomalyAlert          = "alert_error"
)

const maxExamples = 3

// AnomalySummary is the count of one anomaly kind plus a few examples
type AnomalySummary struct {
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

// AnomalyAggregator collects anomalies from concurrent route pipelines and
// outputs one consolidated line per kind instead of one per occurrence
type AnomalyAggregator struct {
	mu        sync.Mutex
	anomalies map[string]*AnomalySummary
}

// NewAnomalyAggregator creates an empty aggregator
func NewAnomalyAggregator() *AnomalyAggregator {
	return &AnomalyAggregator{anomalies: make(map[string]*AnomalySummary)}
}

// Add records an anomaly occurrence with an example
func (a *AnomalyAggregator) Add(kind, example string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := a.anomalies[kind]
	if info == nil {
		info = &AnomalySummary{Examples: make([]string, 0, maxExamples)}
		a.anomalies[kind] = info
	}
	info.Count++
	if len(info.Examples) < maxExamples {
		info.Examples = append(info.Examples, example)
	}
}

// Snapshot returns a copy of the collected anomalies
func (a *AnomalyAggregator) Snapshot() map[string]AnomalySummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]AnomalySummary, len(a.anomalies))
	for kind, info := range a.anomalies {
		out[kind] = AnomalySummary{Count: info.Count, Examples: append([]string(nil), info.Examples...)}
	}
	return out
}

// CycleReport is the health record of one scrape cycle
type CycleReport struct {
	CycleID         string                    `json:"cycleId"`
	StartedAt       time.Time                 `json:"startedAt"`
	FinishedAt      time.Time                 `json:"finishedAt"`
	RoutesTotal     int                       `json:"routesTotal"`
	RoutesSucceeded int                       `json:"routesSucceeded"`
	RoutesFailed    int                       `json:"routesFailed"`
	FailedRoutes    []string                  `json:"failedRoutes,omitempty"`
	Anomalies       map[string]AnomalySummary `json:"anomalies"`
	Status          string                    `json:"status"`
	Cancelled       bool                      `json:"cancelled"`
}

// AnomalyCount returns how many anomalies of kind the cycle recorded
func (r *CycleReport) AnomalyCount(kind string) int {
	return r.Anomalies[kind].Count
}

// Duration is the wall time the cycle took
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// LogSummary writes the cycle outcome and one line per anomaly kind
func (r *CycleReport) LogSummary() {
	log.Printf("Cycle %s: %d routes, %d succeeded, %d failed in %v (%s)",
		shortID(r.CycleID), r.RoutesTotal, r.RoutesSucceeded, r.RoutesFailed,
		r.Duration().Round(time.Millisecond), r.Status)

	kinds := make([]string, 0, len(r.Anomalies))
	for kind := range r.Anomalies {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		info := r.Anomalies[kind]
		log.Printf("Cycle %s: %s (%d occurrences). Examples: %s",
			shortID(r.CycleID), kind, info.Count, strings.Join(info.Examples, "; "))
	}
}

// HealthStatus grades a cycle by the share of routes that processed
func HealthStatus(succeeded, total int, cancelled bool) string {
	if total == 0 {
		if cancelled {
			return "unhealthy"
		}
		return "idle"
	}
	score := succeeded * 100 / total
	switch {
	case score >= 80 && !cancelled:
		return "healthy"
	case score >= 50:
		return "degraded"
	default:
		return "unhealthy"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatRoute renders a route label for reports
func FormatRoute(routeNumber int, start time.Time) string {
	return fmt.Sprintf("%d@%s", routeNumber, start.UTC().Format("2006-01-02T15:04"))
}
