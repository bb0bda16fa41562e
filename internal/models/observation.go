package models

import "time"

// StatusFlag is the train state reported by the live-status source
type StatusFlag int

const (
	StatusUnknown StatusFlag = iota
	StatusWaiting
	StatusOnTime
	StatusLate
	StatusFinished
	StatusRailwayWorks
)

var statusNames = map[StatusFlag]string{
	StatusUnknown:      "unknown",
	StatusWaiting:      "waiting",
	StatusOnTime:       "on_time",
	StatusLate:         "late",
	StatusFinished:     "finished",
	StatusRailwayWorks: "railway_works",
}

func (s StatusFlag) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// RawPayload is one fetched live-status document for a route number
type RawPayload struct {
	RouteNumber int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// LiveObservation is transient parser output. It is never persisted as-is.
// An empty StationCode marks a route-level observation that only carries
// a status.
type LiveObservation struct {
	RouteNumber     int
	ObservedDay     time.Time // local midnight of the inferred service day
	ObservedAt      time.Time // fetch instant
	StationCode     string
	ActualArrival   *time.Time
	ActualDeparture *time.Time
	Status          StatusFlag
	LateMinutes     *int // "Kasni N min." as reported by the source
}

// HasTimes reports whether the observation carries any actual time
func (o LiveObservation) HasTimes() bool {
	return o.ActualArrival != nil || o.ActualDeparture != nil
}

// ReferenceTime is the instant used to pick among same-numbered runs
func (o LiveObservation) ReferenceTime() time.Time {
	if o.ActualDeparture != nil {
		return *o.ActualDeparture
	}
	if o.ActualArrival != nil {
		return *o.ActualArrival
	}
	return o.ObservedAt
}

// RouteProgress is route-level state reported without station times. The
// source says a train is running ("Vlak je redovit", "Kasni N min.") or has
// finished ("Završio je vožnju"); the instants are when that was observed.
type RouteProgress struct {
	Started  *time.Time
	Finished *time.Time
}

// IsZero reports whether no route-level state was observed
func (p RouteProgress) IsZero() bool {
	return p.Started == nil && p.Finished == nil
}
