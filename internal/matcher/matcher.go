// Package matcher resolves parsed live observations to timetable runs and
// stops.
//
// A route number runs several times a day, so each observation is first
// placed on the run whose scheduled window is closest to the observation's
// time. The stop is then chosen with a per-run cursor: the highest sequence
// already observed. The lowest matching sequence at or after the cursor wins.
// Matching never goes behind the cursor unless the station appears nowhere
// ahead of it, which keeps repeated station codes on loop lines from
// rewinding progress.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bluele/gcache"

	"github.com/hzpp-delays/poller/internal/models"
	"github.com/hzpp-delays/poller/internal/parser"
)

// Longest scheduled run considered when looking up candidate runs
const maxRunLength = 24 * time.Hour

// Store is the read side of the timetable used for matching
type Store interface {
	RoutesByNumber(ctx context.Context, routeNumber int, from, to time.Time) ([]models.Route, error)
	RouteStops(ctx context.Context, key models.RouteKey) ([]models.StopDetail, error)
}

// MatchKind classifies an unmatched observation
type MatchKind string

const (
	NoRoute   MatchKind = "no_route"
	NoStop    MatchKind = "no_stop"
	Ambiguous MatchKind = "ambiguous"
)

// MatchError is an observation that could not be placed on the timetable
type MatchError struct {
	Kind        MatchKind
	Observation models.LiveObservation
	Reason      string
}

func (e *MatchError) Error() string {
	station := e.Observation.StationCode
	if station == "" {
		station = "-"
	}
	return fmt.Sprintf("route %d station %s: %s: %s", e.Observation.RouteNumber, station, e.Kind, e.Reason)
}

// RouteBatch collects the matched updates for one run
type RouteBatch struct {
	Route    models.Route
	Updates  []models.StopUpdate
	Status   models.StatusFlag
	Progress models.RouteProgress
	// LateMinutes is the largest "Kasni N min." reported for the run
	LateMinutes *int
}

// Result is the outcome of matching one payload's observations
type Result struct {
	Batches    []*RouteBatch // ordered by expected start
	Errors     []*MatchError
	Duplicates int // observations identical to already-stored stops behind the cursor
}

// Matcher resolves observations against the timetable store
type Matcher struct {
	store     Store
	tolerance time.Duration
	stops     gcache.Cache
}

// New creates a matcher. tolerance bounds how far an observation may lie
// outside a run's scheduled window and still match it.
func New(store Store, tolerance time.Duration) *Matcher {
	return &Matcher{
		store:     store,
		tolerance: tolerance,
		stops: gcache.New(2048).
			LRU().
			Expiration(30 * time.Minute).
			Build(),
	}
}

// Invalidate drops cached stops for a run after its stops were written
func (m *Matcher) Invalidate(key models.RouteKey) {
	m.stops.Remove(key.String())
}

func (m *Matcher) routeStops(ctx context.Context, key models.RouteKey) ([]models.StopDetail, error) {
	if cached, err := m.stops.Get(key.String()); err == nil {
		if stops, ok := cached.([]models.StopDetail); ok {
			return stops, nil
		}
	}
	stops, err := m.store.RouteStops(ctx, key)
	if err != nil {
		return nil, err
	}
	m.stops.Set(key.String(), stops)
	return stops, nil
}

// routeState is the working view of one run during a Match call
type routeState struct {
	batch  *RouteBatch
	stops  []models.StopDetail
	cursor int
	index  map[int]int // sequence -> position in batch.Updates
}

// Match resolves all observations of one route number. Only store failures
// are returned as an error; unmatched observations are reported in Result.
func (m *Matcher) Match(ctx context.Context, routeNumber int, observations []models.LiveObservation) (*Result, error) {
	res := &Result{}
	if len(observations) == 0 {
		return res, nil
	}

	from, to := observations[0].ReferenceTime(), observations[0].ReferenceTime()
	for _, obs := range observations[1:] {
		ref := obs.ReferenceTime()
		if ref.Before(from) {
			from = ref
		}
		if ref.After(to) {
			to = ref
		}
	}

	runs, err := m.store.RoutesByNumber(ctx, routeNumber, from.Add(-m.tolerance-maxRunLength), to.Add(m.tolerance))
	if err != nil {
		return nil, err
	}

	states := make(map[models.RouteKey]*routeState)
	for _, obs := range observations {
		run, merr := m.resolveRun(obs, runs)
		if merr != nil {
			res.Errors = append(res.Errors, merr)
			continue
		}

		state, ok := states[run.Key]
		if !ok {
			stops, err := m.routeStops(ctx, run.Key)
			if err != nil {
				return nil, err
			}
			state = &routeState{
				batch:  &RouteBatch{Route: *run},
				stops:  stops,
				cursor: lastObserved(stops),
				index:  make(map[int]int),
			}
			states[run.Key] = state
		}
		state.observeStatus(obs)

		if obs.StationCode == "" || !obs.HasTimes() {
			continue
		}

		stop, duplicate := state.resolveStop(obs)
		switch {
		case duplicate:
			res.Duplicates++
		case stop == nil:
			res.Errors = append(res.Errors, &MatchError{
				Kind:        NoStop,
				Observation: obs,
				Reason:      fmt.Sprintf("station not on run %s", run.Key),
			})
		default:
			state.add(stop.Key.Sequence, obs)
		}
	}

	for _, state := range states {
		res.Batches = append(res.Batches, state.batch)
	}
	sort.Slice(res.Batches, func(i, j int) bool {
		return res.Batches[i].Route.Key.ExpectedStart.Before(res.Batches[j].Route.Key.ExpectedStart)
	})
	return res, nil
}

// resolveRun picks the run whose scheduled window [start, end] is closest to
// the observation, within tolerance. Equal distance is broken by the closer
// start; a remaining tie is ambiguous.
func (m *Matcher) resolveRun(obs models.LiveObservation, runs []models.Route) (*models.Route, *MatchError) {
	ref := obs.ReferenceTime()

	var (
		best                   *models.Route
		bestDist, bestStartGap time.Duration
		tied                   bool
	)
	for i := range runs {
		run := &runs[i]
		dist := windowDistance(run, ref)
		if dist > m.tolerance {
			continue
		}
		startGap := absDuration(ref.Sub(run.Key.ExpectedStart))
		switch {
		case best == nil || dist < bestDist || (dist == bestDist && startGap < bestStartGap):
			best, bestDist, bestStartGap, tied = run, dist, startGap, false
		case dist == bestDist && startGap == bestStartGap:
			tied = true
		}
	}

	if best == nil {
		return nil, &MatchError{
			Kind:        NoRoute,
			Observation: obs,
			Reason:      fmt.Sprintf("no run within %v of %s", m.tolerance, ref.UTC().Format(time.RFC3339)),
		}
	}
	if tied {
		return nil, &MatchError{
			Kind:        Ambiguous,
			Observation: obs,
			Reason:      fmt.Sprintf("several runs equally close to %s", ref.UTC().Format(time.RFC3339)),
		}
	}
	return best, nil
}

func windowDistance(run *models.Route, t time.Time) time.Duration {
	start, end := run.Key.ExpectedStart, run.ExpectedEnd
	if end.Before(start) {
		end = start
	}
	switch {
	case t.Before(start):
		return start.Sub(t)
	case t.After(end):
		return t.Sub(end)
	default:
		return 0
	}
}

func (s *routeState) observeStatus(obs models.LiveObservation) {
	switch {
	case obs.Status == models.StatusUnknown:
	case s.batch.Status == models.StatusRailwayWorks:
	default:
		s.batch.Status = obs.Status
	}

	if obs.LateMinutes != nil && (s.batch.LateMinutes == nil || *obs.LateMinutes > *s.batch.LateMinutes) {
		n := *obs.LateMinutes
		s.batch.LateMinutes = &n
	}

	progress := &s.batch.Progress
	switch obs.Status {
	case models.StatusOnTime, models.StatusLate:
		at := obs.ObservedAt
		if progress.Started == nil || at.Before(*progress.Started) {
			progress.Started = &at
		}
	case models.StatusFinished:
		at := obs.ObservedAt
		if obs.ActualArrival != nil {
			at = *obs.ActualArrival
		}
		if progress.Finished == nil || at.After(*progress.Finished) {
			progress.Finished = &at
		}
	}
}

// resolveStop applies the cursor policy: the lowest-sequence stop at the
// observed station with sequence >= cursor. When that stop is the one already
// observed and the observation carries different times, the next stop at the
// same station competes with it on scheduled time, so a loop line can move on
// without the same sequence taking a second visit. An observation that
// repeats times already stored behind the cursor is a duplicate. When the
// station only appears behind the cursor the nearest such stop is returned
// so source corrections still apply.
func (s *routeState) resolveStop(obs models.LiveObservation) (*models.StopDetail, bool) {
	var ahead, behind []*models.StopDetail
	for i := range s.stops {
		stop := &s.stops[i]
		if !sameStation(stop.Station, obs.StationCode) {
			continue
		}
		if stop.Key.Sequence >= s.cursor {
			ahead = append(ahead, stop)
			continue
		}
		if repeats(stop, obs) {
			return nil, true
		}
		behind = append(behind, stop)
	}

	ref := obs.ReferenceTime()
	if len(ahead) == 0 {
		return nearest(behind, ref), false
	}
	sort.Slice(ahead, func(i, j int) bool { return ahead[i].Key.Sequence < ahead[j].Key.Sequence })

	first := ahead[0]
	current := s.current(first)
	if len(ahead) == 1 || !current.Observed() || repeats(&current, obs) {
		return first, false
	}
	return nearest(ahead[:2], ref), false
}

// current is the stop with updates matched earlier in this call applied
func (s *routeState) current(stop *models.StopDetail) models.StopDetail {
	out := *stop
	if i, ok := s.index[stop.Key.Sequence]; ok {
		u := s.batch.Updates[i]
		if u.RealArrival != nil {
			out.RealArrival = u.RealArrival
		}
		if u.RealDeparture != nil {
			out.RealDeparture = u.RealDeparture
		}
	}
	return out
}

func (s *routeState) add(seq int, obs models.LiveObservation) {
	if i, ok := s.index[seq]; ok {
		u := &s.batch.Updates[i]
		if obs.ActualArrival != nil {
			u.RealArrival = obs.ActualArrival
		}
		if obs.ActualDeparture != nil {
			u.RealDeparture = obs.ActualDeparture
		}
	} else {
		s.index[seq] = len(s.batch.Updates)
		s.batch.Updates = append(s.batch.Updates, models.StopUpdate{
			Sequence:      seq,
			RealArrival:   obs.ActualArrival,
			RealDeparture: obs.ActualDeparture,
		})
	}
	if seq > s.cursor {
		s.cursor = seq
	}
}

func nearest(stops []*models.StopDetail, ref time.Time) *models.StopDetail {
	var (
		best     *models.StopDetail
		bestDist time.Duration
	)
	for _, stop := range stops {
		dist := absDuration(ref.Sub(stop.ExpectedAt()))
		if best == nil || dist < bestDist {
			best, bestDist = stop, dist
		}
	}
	return best
}

func repeats(stop *models.StopDetail, obs models.LiveObservation) bool {
	if !stop.Observed() {
		return false
	}
	if obs.ActualArrival != nil && !models.SameInstant(obs.ActualArrival, stop.RealArrival) {
		return false
	}
	if obs.ActualDeparture != nil && !models.SameInstant(obs.ActualDeparture, stop.RealDeparture) {
		return false
	}
	return true
}

func sameStation(station models.Station, code string) bool {
	folded := parser.Fold(code)
	return folded != "" && (folded == parser.Fold(station.Code) || folded == parser.Fold(station.Name))
}

func lastObserved(stops []models.StopDetail) int {
	cursor := 0
	for _, stop := range stops {
		if stop.Observed() && stop.Key.Sequence > cursor {
			cursor = stop.Key.Sequence
		}
	}
	return cursor
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
