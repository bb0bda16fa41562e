package parser

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hzpp-delays/poller/internal/models"
)

const rowSelector = "[data-station], [data-kolodvor]"

var (
	stationLineRegex = regexp.MustCompile(`(?i)^kolodvor\s*:?\s*(.+)$`)
	eventLineRegex   = regexp.MustCompile(`^(dolazak|odlazak|prolazak|zavrsio je voznju|zavrsio voznju)\s*:?\s*(.*)$`)
)

type htmlRow struct {
	station string
	arrival string
	depart  string
	status  string
	text    string
}

func (p *Parser) parseHTML(payload *models.RawPayload) Result {
	var res Result

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload.Body))
	if err != nil {
		res.Errors = append(res.Errors, &ParseError{RouteNumber: payload.RouteNumber, Fragment: -1, Reason: err.Error()})
		return res
	}

	// Line breaks carry structure on the older single-position page
	doc.Find("br").ReplaceWithHtml("\n")

	var rows []htmlRow
	doc.Find(rowSelector).Each(func(i int, s *goquery.Selection) {
		station := strings.TrimSpace(s.AttrOr("data-station", s.AttrOr("data-kolodvor", "")))
		rows = append(rows, htmlRow{
			station: station,
			arrival: s.Find(".arrival, .dolazak").First().Text(),
			depart:  s.Find(".departure, .odlazak").First().Text(),
			status:  s.Find(".status").Text(),
			text:    s.Text(),
		})
	})
	doc.Find(rowSelector).Remove()

	pageText := doc.Find("body").Text()
	pageStatus := statusFromText(pageText)
	pageLate := lateMinutes(pageText)

	if len(rows) > 0 {
		for i, row := range rows {
			obs, perr := p.parseRow(payload, i, row, pageStatus, pageLate)
			if perr != nil {
				res.Errors = append(res.Errors, perr)
				continue
			}
			res.Observations = append(res.Observations, obs)
		}
	} else {
		obs, perr := p.parsePositionPage(payload, pageText, pageStatus, pageLate)
		if perr != nil {
			res.Errors = append(res.Errors, perr)
		} else if obs != nil {
			res.Observations = append(res.Observations, *obs)
		}
	}

	if len(res.Observations) == 0 && pageStatus != models.StatusUnknown {
		obs := p.newObservation(payload, "", nil, nil, pageStatus)
		obs.LateMinutes = pageLate
		res.Observations = append(res.Observations, obs)
	}
	if len(res.Observations) == 0 && len(res.Errors) == 0 {
		res.Errors = append(res.Errors, &ParseError{
			RouteNumber: payload.RouteNumber,
			Fragment:    -1,
			Excerpt:     excerpt(pageText),
			Reason:      "no recognisable status content",
		})
	}
	return res
}

func (p *Parser) parseRow(payload *models.RawPayload, index int, row htmlRow, pageStatus models.StatusFlag, pageLate *int) (models.LiveObservation, *ParseError) {
	fail := func(reason string) *ParseError {
		return &ParseError{RouteNumber: payload.RouteNumber, Fragment: index, Excerpt: excerpt(row.text), Reason: reason}
	}

	if row.station == "" {
		return models.LiveObservation{}, fail("missing station code")
	}
	arr, err := p.parseClock(row.arrival, payload.FetchedAt)
	if err != nil {
		return models.LiveObservation{}, fail("arrival: " + err.Error())
	}
	dep, err := p.parseClock(row.depart, payload.FetchedAt)
	if err != nil {
		return models.LiveObservation{}, fail("departure: " + err.Error())
	}

	status, late := statusFromText(row.status), lateMinutes(row.status)
	if status == models.StatusUnknown {
		status, late = pageStatus, pageLate
	}
	obs := p.newObservation(payload, row.station, arr, dep, status)
	obs.LateMinutes = late
	return obs, nil
}

// parsePositionPage reads the single-position layout:
//
//	Kolodvor: ZAGREB GL. KOL.
//	Odlazak 04.03.24. u 08:05 sati
//	Kasni 5 min.
func (p *Parser) parsePositionPage(payload *models.RawPayload, text string, status models.StatusFlag, late *int) (*models.LiveObservation, *ParseError) {
	var (
		station  string
		arr, dep *time.Time
		seen     bool
	)
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if m := stationLineRegex.FindStringSubmatch(line); m != nil {
			station = strings.TrimSpace(m[1])
			continue
		}
		m := eventLineRegex.FindStringSubmatch(Fold(line))
		if m == nil {
			continue
		}
		t, err := p.parseClock(m[2], payload.FetchedAt)
		if err != nil {
			return nil, &ParseError{RouteNumber: payload.RouteNumber, Fragment: i, Excerpt: excerpt(line), Reason: err.Error()}
		}
		if t == nil {
			continue
		}
		seen = true
		switch m[1] {
		case "odlazak":
			dep = t
		case "prolazak":
			arr, dep = t, t
		default:
			arr = t
		}
	}

	if !seen {
		return nil, nil
	}
	if station == "" {
		return nil, &ParseError{RouteNumber: payload.RouteNumber, Fragment: -1, Excerpt: excerpt(text), Reason: "event without station"}
	}
	obs := p.newObservation(payload, station, arr, dep, status)
	obs.LateMinutes = late
	return &obs, nil
}
