// Package delays keeps running delay statistics per station, line and region.
//
// Every observed stop contributes exactly one sample, its arrival delay or
// the departure delay when no arrival was observed. Samples are bucketed by
// the hour of the stop's scheduled time. Re-recording a stop replaces its
// previous sample, so corrections never double count and resubmissions leave
// the statistics untouched.
package delays

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/metrics"
	"github.com/hzpp-delays/poller/internal/models"
)

// Dimension is the grouping used for delay statistics
type Dimension string

const (
	ByStation Dimension = "station"
	ByLine    Dimension = "line"
	ByRegion  Dimension = "region"
)

// ParseDimension validates a dimension name
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(s); d {
	case ByStation, ByLine, ByRegion:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dimension %q", s)
	}
}

// Window is the bucket width
const Window = time.Hour

// Filter selects statistics. An empty Key matches every key; zero From or To
// leaves that side open. Buckets overlapping [From, To) are included.
type Filter struct {
	Dimension Dimension `validate:"required,oneof=station line region"`
	Key       string
	From      time.Time
	To        time.Time
}

// DelayStat is the aggregate of one bucket, or of several when merged
type DelayStat struct {
	Dimension     Dimension `json:"dimension"`
	Key           string    `json:"key"`
	WindowStart   time.Time `json:"windowStart"`
	WindowEnd     time.Time `json:"windowEnd"`
	Count         int       `json:"count"`
	SumSeconds    float64   `json:"sumSeconds"`
	MeanSeconds   float64   `json:"meanSeconds"`
	MaxSeconds    float64   `json:"maxSeconds"`
	StdDevSeconds float64   `json:"stdDevSeconds"`
}

type bucketKey struct {
	dim    Dimension
	key    string
	window int64 // unix seconds of the bucket start
}

type bucket struct {
	stats   metrics.RunningStats
	max     float64
	samples map[models.StopKey]float64
}

func (b *bucket) add(stop models.StopKey, seconds float64) {
	b.samples[stop] = seconds
	b.stats.Add(seconds)
	if b.stats.Count == 1 || seconds > b.max {
		b.max = seconds
	}
}

func (b *bucket) remove(stop models.StopKey) {
	seconds, ok := b.samples[stop]
	if !ok {
		return
	}
	delete(b.samples, stop)
	b.stats.Remove(seconds)
	if seconds < b.max {
		return
	}
	first := true
	for _, v := range b.samples {
		if first || v > b.max {
			b.max, first = v, false
		}
	}
	if first {
		b.max = 0
	}
}

type sample struct {
	seconds float64
	keys    []bucketKey
}

// Aggregator holds the in-memory delay statistics. It is safe for
// concurrent use by route pipelines and readers.
type Aggregator struct {
	regions RegionResolver

	mu      sync.RWMutex
	buckets map[bucketKey]*bucket
	samples map[models.StopKey]sample
}

// NewAggregator creates an empty aggregator. regions may be nil.
func NewAggregator(regions RegionResolver) *Aggregator {
	return &Aggregator{
		regions: regions,
		buckets: make(map[bucketKey]*bucket),
		samples: make(map[models.StopKey]sample),
	}
}

// Record sets the sample for one stop of a run with the given route number.
// A stop without a delay drops any sample it had. It reports whether the
// statistics changed.
func (a *Aggregator) Record(stop models.StopDetail, routeNumber int) bool {
	d := stop.Delay()

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, had := a.samples[stop.Key]
	if d == nil {
		if !had {
			return false
		}
		a.drop(stop.Key, prev)
		return true
	}

	seconds := d.Seconds()
	if had && prev.seconds == seconds {
		return false
	}
	if had {
		a.drop(stop.Key, prev)
	}

	window := stop.ExpectedAt().UTC().Truncate(Window).Unix()
	keys := []bucketKey{
		{dim: ByStation, key: stop.Station.Code, window: window},
		{dim: ByLine, key: fmt.Sprint(routeNumber), window: window},
	}
	if a.regions != nil {
		if name := a.regions.Region(stop.Station); name != "" {
			keys = append(keys, bucketKey{dim: ByRegion, key: name, window: window})
		}
	}

	for _, k := range keys {
		b := a.buckets[k]
		if b == nil {
			b = &bucket{samples: make(map[models.StopKey]float64)}
			a.buckets[k] = b
		}
		b.add(stop.Key, seconds)
	}
	a.samples[stop.Key] = sample{seconds: seconds, keys: keys}
	return true
}

func (a *Aggregator) drop(stop models.StopKey, s sample) {
	for _, k := range s.keys {
		b := a.buckets[k]
		if b == nil {
			continue
		}
		b.remove(stop)
		if b.stats.Count == 0 {
			delete(a.buckets, k)
		}
	}
	delete(a.samples, stop)
}

// Stats returns one DelayStat per matching bucket, ordered by key then window
func (a *Aggregator) Stats(f Filter) []DelayStat {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []DelayStat
	for k, b := range a.buckets {
		if !matches(k, f) {
			continue
		}
		start := time.Unix(k.window, 0).UTC()
		out = append(out, DelayStat{
			Dimension:     k.dim,
			Key:           k.key,
			WindowStart:   start,
			WindowEnd:     start.Add(Window),
			Count:         b.stats.Count,
			SumSeconds:    b.stats.Sum(),
			MeanSeconds:   b.stats.Mean,
			MaxSeconds:    b.max,
			StdDevSeconds: b.stats.StdDev(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out
}

// Totals merges matching buckets into one DelayStat per key
func (a *Aggregator) Totals(f Filter) []DelayStat {
	var out []DelayStat
	for _, s := range a.Stats(f) {
		n := len(out)
		if n == 0 || out[n-1].Key != s.Key {
			out = append(out, s)
			continue
		}
		t := &out[n-1]
		if s.MaxSeconds > t.MaxSeconds {
			t.MaxSeconds = s.MaxSeconds
		}
		t.Count += s.Count
		t.SumSeconds += s.SumSeconds
		t.MeanSeconds = t.SumSeconds / float64(t.Count)
		t.StdDevSeconds = 0
		t.WindowEnd = s.WindowEnd
	}
	return out
}

func matches(k bucketKey, f Filter) bool {
	if k.dim != f.Dimension {
		return false
	}
	if f.Key != "" && k.key != f.Key {
		return false
	}
	start := time.Unix(k.window, 0)
	if !f.To.IsZero() && !start.Before(f.To) {
		return false
	}
	if !f.From.IsZero() && !start.Add(Window).After(f.From) {
		return false
	}
	return true
}

// Samples returns how many stops currently contribute a sample
func (a *Aggregator) Samples() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples)
}

// ObservedSource provides persisted observed stops for a rebuild
type ObservedSource interface {
	ObservedStopsSince(ctx context.Context, since time.Time) ([]db.ObservedStop, error)
}

// Rebuild replaces the statistics with samples recomputed from stored stops
// of runs starting at or after since
func (a *Aggregator) Rebuild(ctx context.Context, source ObservedSource, since time.Time) error {
	stops, err := source.ObservedStopsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load observed stops: %w", err)
	}

	fresh := NewAggregator(a.regions)
	for _, s := range stops {
		fresh.Record(s.StopDetail, s.RouteNumber)
	}

	a.mu.Lock()
	a.buckets, a.samples = fresh.buckets, fresh.samples
	a.mu.Unlock()

	log.Printf("Delays: rebuilt %d samples from stops since %s", len(fresh.samples), since.UTC().Format(time.RFC3339))
	return nil
}
