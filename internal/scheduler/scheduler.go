// Package scheduler drives scrape cycles.
//
// A cycle enumerates active runs, fetches each route number once under a
// bounded worker pool and pushes every payload through parse, match, write,
// aggregate and alert as an independent pipeline. At most one cycle runs at
// a time; a trigger that arrives while a cycle is in flight is skipped and
// counted as an overrun.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hzpp-delays/poller/internal/alerts"
	"github.com/hzpp-delays/poller/internal/config"
	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/delays"
	"github.com/hzpp-delays/poller/internal/matcher"
	"github.com/hzpp-delays/poller/internal/metrics"
	"github.com/hzpp-delays/poller/internal/models"
	"github.com/hzpp-delays/poller/internal/parser"
	"github.com/hzpp-delays/poller/internal/scrape"
)

var (
	// ErrCycleOverrun is returned when a cycle is triggered while another runs
	ErrCycleOverrun = errors.New("cycle already running")
	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// Fetcher downloads the live-status payload of a route number
type Fetcher interface {
	Fetch(ctx context.Context, routeNumber int) (*models.RawPayload, error)
}

// Store is the persistence used by a cycle
type Store interface {
	ActiveRoutes(ctx context.Context, from, to time.Time) ([]models.Route, error)
	ApplyRoute(ctx context.Context, key models.RouteKey, updates []models.StopUpdate, progress models.RouteProgress) (*db.RouteResult, error)
	Cleanup(ctx context.Context, retention time.Duration) error
}

// Components are the pipeline stages a Scheduler drives
type Components struct {
	Store      Store
	Fetcher    Fetcher
	Parser     *parser.Parser
	Matcher    *matcher.Matcher
	Aggregator *delays.Aggregator
	Evaluator  *alerts.Evaluator
	Health     *metrics.HealthRecorder
}

// Scheduler owns the cycle guard and the periodic trigger
type Scheduler struct {
	cfg *config.Config
	Components

	guard cycleGuard
	now   func() time.Time

	mu          sync.Mutex
	closing     bool
	stop        chan struct{}
	cancelCycle context.CancelFunc
	inflight    sync.WaitGroup
}

// New creates a scheduler
func New(cfg *config.Config, c Components) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		Components: c,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Run triggers a cycle immediately and then every ScrapeInterval until ctx
// is done or Shutdown is called. Cycles run in their own goroutine so a slow
// cycle never delays the ticker; overlapping triggers are skipped.
func (s *Scheduler) Run(ctx context.Context) {
	s.trigger(ctx)

	ticker := time.NewTicker(s.cfg.ScrapeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.trigger(ctx)
		case <-s.stop:
			log.Println("Scheduler: trigger loop stopped")
			return
		case <-ctx.Done():
			log.Println("Scheduler: trigger loop stopped")
			return
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	go func() {
		_, err := s.RunCycle(ctx)
		switch {
		case err == nil, errors.Is(err, ErrShuttingDown):
		case errors.Is(err, ErrCycleOverrun):
			log.Printf("Scheduler: previous cycle still running, trigger skipped (%d overruns)", s.Health.Overruns())
		default:
			log.Printf("Scheduler: cycle error: %v", err)
		}
	}()
}

// Shutdown stops new cycles and waits for the in-flight one. If ctx ends
// first the in-flight cycle is cancelled; committed runs stay committed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.stop)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.cancelCycle != nil {
			s.cancelCycle()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Running reports whether a cycle is in flight
func (s *Scheduler) Running() bool {
	return s.guard.held()
}

// begin claims the cycle guard and registers the cycle for shutdown
func (s *Scheduler) begin(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, nil, ErrShuttingDown
	}
	if !s.guard.tryAcquire() {
		s.Health.RecordOverrun()
		return nil, nil, ErrCycleOverrun
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	s.cancelCycle = cancel
	s.inflight.Add(1)

	end := func() {
		s.mu.Lock()
		s.cancelCycle = nil
		s.mu.Unlock()
		cancel()
		s.guard.release()
		s.inflight.Done()
	}
	return cycleCtx, end, nil
}

// runTally accumulates per-run outcomes from concurrent pipelines
type runTally struct {
	mu     sync.Mutex
	failed map[models.RouteKey]string
}

func (t *runTally) fail(route models.Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[route.Key] = metrics.FormatRoute(route.RouteNumber, route.Key.ExpectedStart)
}

// RunCycle runs one full cycle and returns its report. Per-route failures
// are reported, not returned; an error means the cycle could not run.
func (s *Scheduler) RunCycle(ctx context.Context) (*metrics.CycleReport, error) {
	cycleCtx, end, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	report := metrics.CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	anomalies := metrics.NewAnomalyAggregator()

	now := s.now()
	routes, err := s.Store.ActiveRoutes(cycleCtx, now.Add(-s.cfg.ActiveLookbehind), now.Add(s.cfg.ActiveLookahead))
	if err != nil {
		anomalies.Add(metrics.AnomalyPersistence, err.Error())
		report.Cancelled = cycleCtx.Err() != nil
		s.finish(ctx, &report, anomalies)
		return &report, fmt.Errorf("failed to list active routes: %w", err)
	}

	byNumber := make(map[int][]models.Route)
	for _, r := range routes {
		byNumber[r.RouteNumber] = append(byNumber[r.RouteNumber], r)
	}
	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	tally := &runTally{failed: make(map[models.RouteKey]string)}

	var g errgroup.Group
	g.SetLimit(s.cfg.WorkerLimit)
	for _, number := range numbers {
		number := number
		runs := byNumber[number]
		g.Go(func() error {
			s.processRouteNumber(cycleCtx, number, runs, anomalies, tally)
			return nil
		})
	}
	g.Wait()

	report.Cancelled = cycleCtx.Err() != nil
	report.RoutesTotal = len(routes)
	for _, r := range routes {
		if label, ok := tally.failed[r.Key]; ok {
			report.RoutesFailed++
			report.FailedRoutes = append(report.FailedRoutes, label)
		}
	}
	report.RoutesSucceeded = report.RoutesTotal - report.RoutesFailed

	s.finish(ctx, &report, anomalies)
	return &report, nil
}

func (s *Scheduler) finish(ctx context.Context, report *metrics.CycleReport, anomalies *metrics.AnomalyAggregator) {
	report.FinishedAt = time.Now().UTC()
	report.Anomalies = anomalies.Snapshot()
	report.Status = metrics.HealthStatus(report.RoutesSucceeded, report.RoutesTotal, report.Cancelled)

	// The cycle context may already be cancelled; bookkeeping still runs
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	s.Health.Record(bgCtx, *report)
	if err := s.Store.Cleanup(bgCtx, s.cfg.HistoryRetention); err != nil {
		log.Printf("Scheduler: cleanup failed: %v", err)
	}
	if s.Evaluator != nil {
		s.Evaluator.Forget(s.now().Add(-s.cfg.ActiveLookbehind - 24*time.Hour))
	}
	report.LogSummary()
}

// processRouteNumber is the pipeline for one fetched route number. Every
// active run of the number shares the payload.
func (s *Scheduler) processRouteNumber(ctx context.Context, number int, runs []models.Route, anomalies *metrics.AnomalyAggregator, tally *runTally) {
	failAll := func() {
		for _, r := range runs {
			tally.fail(r)
		}
	}

	payload, err := s.Fetcher.Fetch(ctx, number)
	if err != nil {
		kind := metrics.AnomalyFetchTransient
		var fe *scrape.FetchError
		if errors.As(err, &fe) && !fe.Transient() {
			kind = metrics.AnomalyFetchPermanent
		}
		anomalies.Add(kind, err.Error())
		failAll()
		return
	}

	parsed := s.Parser.Parse(payload)
	for _, perr := range parsed.Errors {
		anomalies.Add(metrics.AnomalyParse, perr.Error())
	}

	matched, err := s.Matcher.Match(ctx, number, parsed.Observations)
	if err != nil {
		anomalies.Add(metrics.AnomalyPersistence, fmt.Sprintf("route %d: %v", number, err))
		failAll()
		return
	}
	for _, merr := range matched.Errors {
		anomalies.Add(matchAnomaly(merr.Kind), merr.Error())
	}

	for _, batch := range matched.Batches {
		if ctx.Err() != nil {
			tally.fail(batch.Route)
			continue
		}
		if err := s.applyBatch(ctx, batch, anomalies); err != nil {
			anomalies.Add(metrics.AnomalyPersistence, fmt.Sprintf("%s: %v", metrics.FormatRoute(number, batch.Route.Key.ExpectedStart), err))
			tally.fail(batch.Route)
		}
	}
}

func matchAnomaly(kind matcher.MatchKind) string {
	switch kind {
	case matcher.NoRoute:
		return metrics.AnomalyNoRoute
	case matcher.Ambiguous:
		return metrics.AnomalyAmbiguous
	default:
		return metrics.AnomalyNoStop
	}
}

// applyBatch commits one run's updates, retrying transient store failures,
// then feeds the committed changes to the aggregator and the alert evaluator.
// When no stop delay changed, a reported "Kasni N min." stands in for it.
func (s *Scheduler) applyBatch(ctx context.Context, batch *matcher.RouteBatch, anomalies *metrics.AnomalyAggregator) error {
	route := batch.Route
	var delay *time.Duration

	if len(batch.Updates) > 0 || !batch.Progress.IsZero() {
		result, err := s.commit(ctx, batch)
		if err != nil {
			return err
		}
		route = result.Route

		for _, v := range result.Violations {
			anomalies.Add(metrics.AnomalyMonotonicity, v.Error())
		}
		for _, seq := range result.Unknown {
			anomalies.Add(metrics.AnomalyNoStop, fmt.Sprintf("%s: sequence %d vanished", route.Key, seq))
		}
		if len(result.Changes) > 0 {
			s.Matcher.Invalidate(route.Key)
		}
		for _, change := range result.Changes {
			s.Aggregator.Record(change.After, route.RouteNumber)
			if !change.DelayChanged() {
				continue
			}
			if d := change.After.Delay(); d != nil && (delay == nil || *d > *delay) {
				delay = d
			}
		}
		if result.TimesChanged && batch.Route.RealEnd == nil && route.RealEnd != nil {
			log.Printf("Scheduler: %s finished at %s", route.Key, route.RealEnd.UTC().Format(time.RFC3339))
		}
	}
	if delay == nil && batch.LateMinutes != nil {
		d := time.Duration(*batch.LateMinutes) * time.Minute
		delay = &d
	}

	if s.Evaluator == nil {
		return nil
	}
	if _, err := s.Evaluator.Evaluate(ctx, alerts.Event{Route: route, Delay: delay, Status: batch.Status}); err != nil {
		anomalies.Add(metrics.AnomalyAlert, err.Error())
	}
	return nil
}

func (s *Scheduler) commit(ctx context.Context, batch *matcher.RouteBatch) (*db.RouteResult, error) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         time.Second,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}, uint64(s.cfg.PersistenceRetries)),
		ctx,
	)

	return backoff.RetryNotifyWithData(
		func() (*db.RouteResult, error) {
			result, err := s.Store.ApplyRoute(ctx, batch.Route.Key, batch.Updates, batch.Progress)
			if err != nil {
				var pe *db.PersistenceError
				if !errors.As(err, &pe) || !pe.Transient() {
					return nil, backoff.Permanent(err)
				}
			}
			return result, err
		},
		b,
		func(err error, d time.Duration) {
			log.Printf("Scheduler: %s commit failed, retrying in %v: %v", batch.Route.Key, d.Round(time.Millisecond), err)
		},
	)
}
