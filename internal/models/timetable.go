package models

import (
	"fmt"
	"time"
)

// RouteType mirrors the planner's route_type column
type RouteType int

const (
	RouteTypeTrain RouteType = 2
	RouteTypeBus   RouteType = 3
)

func (t RouteType) String() string {
	switch t {
	case RouteTypeTrain:
		return "train"
	case RouteTypeBus:
		return "bus"
	default:
		return fmt.Sprintf("route_type(%d)", int(t))
	}
}

// Station is an immutable reference entity created by timetable import
type Station struct {
	ID        int64
	Code      string
	Name      string
	Latitude  *float64
	Longitude *float64
}

// HasCoordinates reports whether both coordinates are known
func (s Station) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// RouteKey identifies one scheduled run. The same route number runs many
// times, so the expected start time is part of the identity.
type RouteKey struct {
	ID            int64
	ExpectedStart time.Time
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%d@%s", k.ID, k.ExpectedStart.UTC().Format(time.RFC3339))
}

// Route is one scheduled run of a train number
type Route struct {
	Key                  RouteKey
	RouteNumber          int
	Source               string
	Destination          string
	BikesAllowed         bool
	WheelchairAccessible bool
	RouteType            RouteType
	ExpectedEnd          time.Time
	RealStart            *time.Time
	RealEnd              *time.Time
}

// StopKey identifies one leg of a run
type StopKey struct {
	Route    RouteKey
	Sequence int
}

func (k StopKey) String() string {
	return fmt.Sprintf("%s#%d", k.Route, k.Sequence)
}

// Stop is one leg of a Route at a Station
type Stop struct {
	Key               StopKey
	StationID         int64
	ExpectedArrival   *time.Time
	ExpectedDeparture *time.Time
	RealArrival       *time.Time
	RealDeparture     *time.Time
}

// Observed reports whether any real time has been recorded for the stop
func (s Stop) Observed() bool {
	return s.RealArrival != nil || s.RealDeparture != nil
}

// ArrivalDelay returns real minus expected arrival, nil when either is missing
func (s Stop) ArrivalDelay() *time.Duration {
	return Delay(s.RealArrival, s.ExpectedArrival)
}

// DepartureDelay returns real minus expected departure, nil when either is missing
func (s Stop) DepartureDelay() *time.Duration {
	return Delay(s.RealDeparture, s.ExpectedDeparture)
}

// Delay returns the arrival delay when it is defined, otherwise the
// departure delay. It is nil when the stop has not been observed.
func (s Stop) Delay() *time.Duration {
	if d := s.ArrivalDelay(); d != nil {
		return d
	}
	return s.DepartureDelay()
}

// ExpectedAt is the scheduled instant used to bucket the stop: arrival,
// or departure at the origin.
func (s Stop) ExpectedAt() time.Time {
	if s.ExpectedArrival != nil {
		return *s.ExpectedArrival
	}
	if s.ExpectedDeparture != nil {
		return *s.ExpectedDeparture
	}
	return s.Key.Route.ExpectedStart
}

// StopDetail is a Stop joined with its Station
type StopDetail struct {
	Stop
	Station Station
}

// StopUpdate carries observed times for one stop of a run. Nil fields
// leave the stored value untouched.
type StopUpdate struct {
	Sequence      int
	RealArrival   *time.Time
	RealDeparture *time.Time
}

// Delay computes real - expected. It never defaults a missing side to zero.
func Delay(real, expected *time.Time) *time.Duration {
	if real == nil || expected == nil {
		return nil
	}
	d := real.Sub(*expected)
	return &d
}

// SameInstant compares two nullable times
func SameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
