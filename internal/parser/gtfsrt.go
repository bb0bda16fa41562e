package parser

import (
	"strconv"
	"strings"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/hzpp-delays/poller/internal/models"
)

func (p *Parser) parseGTFSRT(payload *models.RawPayload) Result {
	var res Result

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(payload.Body, feed); err != nil {
		res.Errors = append(res.Errors, &ParseError{RouteNumber: payload.RouteNumber, Fragment: -1, Reason: "failed to parse protobuf: " + err.Error()})
		return res
	}

	routeID := strconv.Itoa(payload.RouteNumber)
	works := false
	for _, entity := range feed.Entity {
		if alert := entity.GetAlert(); alert != nil && alertsRoute(alert, routeID) {
			switch alert.GetCause() {
			case gtfs.Alert_CONSTRUCTION, gtfs.Alert_MAINTENANCE:
				works = true
			}
		}
	}

	fragment := 0
	for _, entity := range feed.Entity {
		tu := entity.GetTripUpdate()
		if tu == nil || !tripMatches(tu.GetTrip(), routeID) {
			continue
		}

		for _, stu := range tu.StopTimeUpdate {
			index := fragment
			fragment++

			switch stu.GetScheduleRelationship() {
			case gtfs.TripUpdate_StopTimeUpdate_SKIPPED, gtfs.TripUpdate_StopTimeUpdate_NO_DATA:
				continue
			}

			stopID := strings.TrimSpace(stu.GetStopId())
			if stopID == "" {
				res.Errors = append(res.Errors, &ParseError{
					RouteNumber: payload.RouteNumber,
					Fragment:    index,
					Excerpt:     "stop_sequence " + strconv.Itoa(int(stu.GetStopSequence())),
					Reason:      "missing stop_id",
				})
				continue
			}

			arr := eventTime(stu.GetArrival())
			dep := eventTime(stu.GetDeparture())

			status := models.StatusUnknown
			switch {
			case works:
				status = models.StatusRailwayWorks
			case stu.GetArrival().GetDelay() > 0 || stu.GetDeparture().GetDelay() > 0:
				status = models.StatusLate
			case arr != nil || dep != nil:
				status = models.StatusOnTime
			}

			res.Observations = append(res.Observations, p.newObservation(payload, stopID, arr, dep, status))
		}
	}

	if len(res.Observations) == 0 && works {
		res.Observations = append(res.Observations, p.newObservation(payload, "", nil, nil, models.StatusRailwayWorks))
	}
	return res
}

func tripMatches(trip *gtfs.TripDescriptor, routeID string) bool {
	return trip != nil && (trip.GetRouteId() == routeID || trip.GetTripId() == routeID)
}

func alertsRoute(alert *gtfs.Alert, routeID string) bool {
	for _, ie := range alert.InformedEntity {
		if ie.GetRouteId() == routeID || tripMatches(ie.GetTrip(), routeID) {
			return true
		}
	}
	return false
}

func eventTime(ev *gtfs.TripUpdate_StopTimeEvent) *time.Time {
	if ev == nil || ev.GetTime() == 0 {
		return nil
	}
	t := time.Unix(ev.GetTime(), 0).UTC()
	return &t
}
