package static

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/models"
)

// plannerStation is one entry of the planner's stop list
type plannerStation struct {
	StopID   string  `json:"stop_id" validate:"required"`
	StopCode int     `json:"stop_code"`
	StopName string  `json:"stop_name" validate:"required"`
	StopLat  float64 `json:"stop_lat"`
	StopLng  float64 `json:"stop_lng"`
}

// plannerRoute is one run of the planner's route list. The route level
// arrival/departure times are unreliable; the stops carry the schedule.
type plannerRoute struct {
	RouteID              string        `json:"route_id" validate:"required"`
	RouteNumber          int           `json:"route_number" validate:"gt=0"`
	RouteSrc             string        `json:"route_src"`
	RouteDesc            string        `json:"route_desc"`
	BikesAllowed         int           `json:"bikes_allowed" validate:"oneof=0 1 2"`
	WheelchairAccessible int           `json:"wheelchair_accessible" validate:"oneof=0 1 2"`
	RouteType            int           `json:"route_type" validate:"oneof=2 3"`
	Stops                []plannerStop `json:"stops" validate:"min=1,dive"`
}

type plannerStop struct {
	StopID        string  `json:"stop_id" validate:"required"`
	StopName      string  `json:"stop_name"`
	ArrivalTime   string  `json:"arrival_time" validate:"required"`
	DepartureTime string  `json:"departure_time" validate:"required"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Sequence      int     `json:"sequence" validate:"gt=0"`
}

func (s plannerStation) model() (models.Station, error) {
	id, err := strconv.ParseInt(s.StopID, 10, 64)
	if err != nil {
		return models.Station{}, fmt.Errorf("station %q: bad id", s.StopID)
	}
	station := models.Station{
		ID:   id,
		Code: strconv.Itoa(s.StopCode),
		Name: s.StopName,
	}
	// The planner reports unknown coordinates as 0,0
	if s.StopLat != 0 || s.StopLng != 0 {
		lat, lng := s.StopLat, s.StopLng
		station.Latitude, station.Longitude = &lat, &lng
	}
	return station, nil
}

// convert turns a planner run into a timetable route for the service day
// starting at midnight of day in its zone
func (r plannerRoute) convert(day time.Time) (db.ImportedRoute, error) {
	id, err := strconv.ParseInt(r.RouteID, 10, 64)
	if err != nil {
		return db.ImportedRoute{}, fmt.Errorf("route %d: bad id %q", r.RouteNumber, r.RouteID)
	}

	first, last := r.Stops[0], r.Stops[len(r.Stops)-1]
	start, err := serviceTime(day, first.DepartureTime)
	if err != nil {
		return db.ImportedRoute{}, fmt.Errorf("route %d: departure: %w", r.RouteNumber, err)
	}
	end, err := serviceTime(day, last.ArrivalTime)
	if err != nil {
		return db.ImportedRoute{}, fmt.Errorf("route %d: arrival: %w", r.RouteNumber, err)
	}

	key := models.RouteKey{ID: id, ExpectedStart: start}
	out := db.ImportedRoute{
		Route: models.Route{
			Key:                  key,
			RouteNumber:          r.RouteNumber,
			Source:               first.StopName,
			Destination:          last.StopName,
			BikesAllowed:         r.BikesAllowed == 1,
			WheelchairAccessible: r.WheelchairAccessible == 1,
			RouteType:            models.RouteType(r.RouteType),
			ExpectedEnd:          end,
		},
		Stops: make([]models.Stop, 0, len(r.Stops)),
	}

	for i, s := range r.Stops {
		stationID, err := strconv.ParseInt(s.StopID, 10, 64)
		if err != nil {
			return db.ImportedRoute{}, fmt.Errorf("route %d stop %d: bad station id %q", r.RouteNumber, s.Sequence, s.StopID)
		}
		stop := models.Stop{
			Key:       models.StopKey{Route: key, Sequence: s.Sequence},
			StationID: stationID,
		}
		// The origin has no arrival and the terminus no departure
		if i > 0 {
			arr, err := serviceTime(day, s.ArrivalTime)
			if err != nil {
				return db.ImportedRoute{}, fmt.Errorf("route %d stop %d: arrival: %w", r.RouteNumber, s.Sequence, err)
			}
			stop.ExpectedArrival = &arr
		}
		if i < len(r.Stops)-1 {
			dep, err := serviceTime(day, s.DepartureTime)
			if err != nil {
				return db.ImportedRoute{}, fmt.Errorf("route %d stop %d: departure: %w", r.RouteNumber, s.Sequence, err)
			}
			stop.ExpectedDeparture = &dep
		}
		out.Stops = append(out.Stops, stop)
	}
	return out, nil
}

// serviceTime resolves a planner clock value against the service day.
// Hours past 23 roll into the following days ("25:49" is 01:49 next day).
// The result is UTC.
func serviceTime(day time.Time, clock string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return time.Time{}, fmt.Errorf("bad clock %q", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 47 {
		return time.Time{}, fmt.Errorf("bad hour in %q", clock)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("bad minute in %q", clock)
	}

	t := time.Date(day.Year(), day.Month(), day.Day()+hour/24, hour%24, minute, 0, 0, day.Location())
	return t.UTC(), nil
}
