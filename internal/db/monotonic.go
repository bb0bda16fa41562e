package db

import (
	"time"

	"github.com/hzpp-delays/poller/internal/models"
)

// checkOrder validates candidate real times for stops[idx] against the stop
// itself and its nearest observed neighbours. stops must be in sequence order.
func checkOrder(stops []models.StopDetail, idx int, arr, dep *time.Time) *MonotonicityViolation {
	key := stops[idx].Key

	if arr != nil && dep != nil && dep.Before(*arr) {
		return &MonotonicityViolation{Stop: key, Field: "real_departure", Value: *dep, Bound: *arr, Neighbor: key.Sequence}
	}

	earliest, earliestField := arr, "real_arrival"
	if earliest == nil {
		earliest, earliestField = dep, "real_departure"
	}
	latest, latestField := dep, "real_departure"
	if latest == nil {
		latest, latestField = arr, "real_arrival"
	}
	if earliest == nil {
		return nil
	}

	for j := idx - 1; j >= 0; j-- {
		prev := stops[j]
		bound := lastTime(prev.Stop)
		if bound == nil {
			continue
		}
		if earliest.Before(*bound) {
			return &MonotonicityViolation{Stop: key, Field: earliestField, Value: *earliest, Bound: *bound, Neighbor: prev.Key.Sequence}
		}
		break
	}

	for j := idx + 1; j < len(stops); j++ {
		next := stops[j]
		bound := firstTime(next.Stop)
		if bound == nil {
			continue
		}
		if latest.After(*bound) {
			return &MonotonicityViolation{Stop: key, Field: latestField, Value: *latest, Bound: *bound, Neighbor: next.Key.Sequence}
		}
		break
	}

	return nil
}

// firstTime is the earliest recorded instant at a stop
func firstTime(s models.Stop) *time.Time {
	if s.RealArrival != nil {
		return s.RealArrival
	}
	return s.RealDeparture
}

// lastTime is the latest recorded instant at a stop
func lastTime(s models.Stop) *time.Time {
	if s.RealDeparture != nil {
		return s.RealDeparture
	}
	return s.RealArrival
}
