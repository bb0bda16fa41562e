// Package parser turns raw live-status payloads into LiveObservations.
//
// Two payload families are understood: the HZPP HTML status page (per-station
// rows, or the older single-position page) and GTFS-Realtime feeds. Parsing is
// pure: the same payload and timezone always yield the same result.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hzpp-delays/poller/internal/models"
)

// ParseError describes one malformed fragment that was skipped
type ParseError struct {
	RouteNumber int
	Fragment    int // index of the fragment in document order, -1 for the whole payload
	Excerpt     string
	Reason      string
}

func (e *ParseError) Error() string {
	if e.Fragment < 0 {
		return fmt.Sprintf("route %d: malformed payload: %s", e.RouteNumber, e.Reason)
	}
	return fmt.Sprintf("route %d: fragment %d %q: %s", e.RouteNumber, e.Fragment, e.Excerpt, e.Reason)
}

// Result is the outcome of parsing one payload
type Result struct {
	Observations []models.LiveObservation
	Errors       []*ParseError
}

// Parser converts payloads using the service timezone for wall-clock times
type Parser struct {
	loc *time.Location
}

// New creates a parser for the given timezone
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

// Parse dispatches on the payload format
func (p *Parser) Parse(payload *models.RawPayload) Result {
	if isProtobuf(payload) {
		return p.parseGTFSRT(payload)
	}
	return p.parseHTML(payload)
}

func isProtobuf(payload *models.RawPayload) bool {
	ct := strings.ToLower(payload.ContentType)
	if strings.Contains(ct, "protobuf") || strings.Contains(ct, "octet-stream") {
		return true
	}
	if strings.Contains(ct, "html") || strings.Contains(ct, "text/") {
		return false
	}
	trimmed := bytes.TrimSpace(payload.Body)
	return len(trimmed) > 0 && trimmed[0] != '<'
}

// observedDay is local midnight of the day an instant falls on
func (p *Parser) observedDay(t time.Time) time.Time {
	local := t.In(p.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
}

func (p *Parser) newObservation(payload *models.RawPayload, station string, arr, dep *time.Time, status models.StatusFlag) models.LiveObservation {
	obs := models.LiveObservation{
		RouteNumber:     payload.RouteNumber,
		ObservedAt:      payload.FetchedAt,
		StationCode:     station,
		ActualArrival:   arr,
		ActualDeparture: dep,
		Status:          status,
	}
	obs.ObservedDay = p.observedDay(obs.ReferenceTime())
	return obs
}

// Croatian diacritics folded to ASCII so phrase matching works on both
// spellings seen on the status page
var foldReplacer = strings.NewReplacer(
	"č", "c", "ć", "c", "š", "s", "ž", "z", "đ", "d",
	"Č", "c", "Ć", "c", "Š", "s", "Ž", "z", "Đ", "d",
)

// Fold lowercases text, strips Croatian diacritics and collapses whitespace
func Fold(s string) string {
	s = foldReplacer.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

var lateRegex = regexp.MustCompile(`kasni\s+(\d+)\s*min`)

// statusFromText maps status phrases to a flag. When several phrases are
// present the most specific wins: works, finished, late, on time, waiting.
func statusFromText(text string) models.StatusFlag {
	t := Fold(text)
	switch {
	case t == "":
		return models.StatusUnknown
	case strings.Contains(t, "radovi"):
		return models.StatusRailwayWorks
	case strings.Contains(t, "zavrsio je voznju"), strings.Contains(t, "zavrsio voznju"):
		return models.StatusFinished
	case lateRegex.MatchString(t):
		return models.StatusLate
	case strings.Contains(t, "vlak je redovit"), strings.Contains(t, "redovit"):
		return models.StatusOnTime
	case strings.Contains(t, "vlak ceka polazak"), strings.Contains(t, "ceka polazak"):
		return models.StatusWaiting
	default:
		return models.StatusUnknown
	}
}

// lateMinutes extracts N from "Kasni N min."
func lateMinutes(text string) *int {
	m := lateRegex.FindStringSubmatch(Fold(text))
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

var clockRegex = regexp.MustCompile(`^(?:(\d{1,2})\.\s*(\d{1,2})\.\s*(\d{2}|\d{4})\.?\s*(?:u\s+)?)?(\d{1,2})[:.](\d{2})(?:\s*(?:h|sati))?$`)

// parseClock parses "HH:MM", "DD.MM.YY. HH:MM" or "DD.MM.YYYY. u HH:MM".
// Empty input yields nil. Times without a date are placed on the fetch day in
// the service timezone, moved back a day when that would put them more than
// twelve hours after the fetch.
func (p *Parser) parseClock(text string, fetchedAt time.Time) (*time.Time, error) {
	s := strings.TrimSpace(text)
	if s == "" || s == "-" || s == "--:--" {
		return nil, nil
	}
	m := clockRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("unrecognised time %q", s)
	}

	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	if hour > 23 || minute > 59 {
		return nil, fmt.Errorf("time out of range %q", s)
	}

	ref := fetchedAt.In(p.loc)
	if m[1] != "" {
		dayOfMonth, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if month < 1 || month > 12 || dayOfMonth < 1 || dayOfMonth > 31 {
			return nil, fmt.Errorf("date out of range %q", s)
		}
		t := time.Date(year, time.Month(month), dayOfMonth, hour, minute, 0, 0, p.loc)
		if t.Day() != dayOfMonth {
			return nil, fmt.Errorf("date out of range %q", s)
		}
		t = t.UTC()
		return &t, nil
	}

	t := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, minute, 0, 0, p.loc)
	if t.Sub(fetchedAt) > 12*time.Hour {
		t = t.AddDate(0, 0, -1)
	}
	t = t.UTC()
	return &t, nil
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:60])
	}
	return s
}
