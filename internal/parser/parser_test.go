package parser

import (
	"testing"
	"time"
	_ "time/tzdata"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/hzpp-delays/poller/internal/models"
)

// 08:30 in Zagreb (CET)
var fetchedAt = time.Date(2024, 3, 4, 7, 30, 0, 0, time.UTC)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Zagreb")
	require.NoError(t, err)
	return New(loc)
}

func htmlPayload(body string) *models.RawPayload {
	return &models.RawPayload{
		RouteNumber: 2024,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		FetchedAt:   fetchedAt,
	}
}

func utc(h, m int) time.Time {
	return time.Date(2024, 3, 4, h, m, 0, 0, time.UTC)
}

const rowsPage = `<html><body>
<h1>Vlak 2024</h1>
<p class="summary">Kasni 7 min.</p>
<table>
  <tr data-station="ZGB"><td>Zagreb Gl. Kol.</td><td class="arrival"></td><td class="departure">08:05</td><td class="status">Vlak je redovit</td></tr>
  <tr data-station="DSV"><td>Dugo Selo</td><td class="arrival">08:24</td><td class="departure">08:26</td><td class="status"></td></tr>
  <tr data-station="KRZ"><td>Križevci</td><td class="arrival">8h15</td><td class="departure"></td></tr>
  <tr data-kolodvor="KC"><td>Koprivnica</td><td class="dolazak">--:--</td><td class="odlazak"></td></tr>
</table>
</body></html>`

func TestParseHTMLRows(t *testing.T) {
	res := newTestParser(t).Parse(htmlPayload(rowsPage))

	require.Len(t, res.Observations, 3)
	require.Len(t, res.Errors, 1)

	zgb := res.Observations[0]
	assert.Equal(t, "ZGB", zgb.StationCode)
	assert.Nil(t, zgb.ActualArrival)
	require.NotNil(t, zgb.ActualDeparture)
	assert.Equal(t, utc(7, 5), *zgb.ActualDeparture)
	assert.Equal(t, models.StatusOnTime, zgb.Status)
	assert.Equal(t, 2024, zgb.RouteNumber)
	assert.Equal(t, fetchedAt, zgb.ObservedAt)
	assert.Equal(t, 4, zgb.ObservedDay.Day())

	dsv := res.Observations[1]
	assert.Equal(t, "DSV", dsv.StationCode)
	require.NotNil(t, dsv.ActualArrival)
	assert.Equal(t, utc(7, 24), *dsv.ActualArrival)
	assert.Equal(t, utc(7, 26), *dsv.ActualDeparture)
	// row without its own status inherits the page status
	assert.Equal(t, models.StatusLate, dsv.Status)

	kc := res.Observations[2]
	assert.Equal(t, "KC", kc.StationCode)
	assert.False(t, kc.HasTimes())

	perr := res.Errors[0]
	assert.Equal(t, 2, perr.Fragment)
	assert.Equal(t, 2024, perr.RouteNumber)
	assert.Contains(t, perr.Excerpt, "Križevci")
	assert.Contains(t, perr.Error(), "fragment 2")
}

func TestParseIsDeterministic(t *testing.T) {
	p := newTestParser(t)
	first := p.Parse(htmlPayload(rowsPage))
	second := p.Parse(htmlPayload(rowsPage))
	assert.Equal(t, first, second)
}

func TestParseRowMissingStation(t *testing.T) {
	body := `<table><tr data-station=" "><td class="arrival">08:10</td></tr></table><p>Vlak je redovit</p>`
	res := newTestParser(t).Parse(htmlPayload(body))

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "missing station code", res.Errors[0].Reason)
	// no stop observations left, the page status is still reported
	require.Len(t, res.Observations, 1)
	assert.Empty(t, res.Observations[0].StationCode)
	assert.Equal(t, models.StatusOnTime, res.Observations[0].Status)
}

func TestParsePositionPage(t *testing.T) {
	body := `<html><body><p>Vlak 2024<br>Kolodvor: DUGO SELO<br>Odlazak 04.03.24. u 08:26 sati<br>Kasni 12 min.</p></body></html>`
	res := newTestParser(t).Parse(htmlPayload(body))

	require.Empty(t, res.Errors)
	require.Len(t, res.Observations, 1)
	obs := res.Observations[0]
	assert.Equal(t, "DUGO SELO", obs.StationCode)
	assert.Nil(t, obs.ActualArrival)
	require.NotNil(t, obs.ActualDeparture)
	assert.Equal(t, utc(7, 26), *obs.ActualDeparture)
	assert.Equal(t, models.StatusLate, obs.Status)
	require.NotNil(t, obs.LateMinutes)
	assert.Equal(t, 12, *obs.LateMinutes)
}

func TestParsePositionPageFinished(t *testing.T) {
	body := `<p>Kolodvor: KOPRIVNICA<br>Završio je vožnju 04.03.2024. u 09:58</p>`
	res := newTestParser(t).Parse(htmlPayload(body))

	require.Empty(t, res.Errors)
	require.Len(t, res.Observations, 1)
	obs := res.Observations[0]
	require.NotNil(t, obs.ActualArrival)
	assert.Equal(t, utc(8, 58), *obs.ActualArrival)
	assert.Equal(t, models.StatusFinished, obs.Status)
}

func TestParsePositionPageWithoutStation(t *testing.T) {
	body := `<p>Dolazak 08:10<br>Kasni 2 min.</p>`
	res := newTestParser(t).Parse(htmlPayload(body))

	require.Len(t, res.Errors, 1)
	assert.Equal(t, -1, res.Errors[0].Fragment)
	assert.Contains(t, res.Errors[0].Error(), "malformed payload")
	require.Len(t, res.Observations, 1)
	assert.Equal(t, models.StatusLate, res.Observations[0].Status)
}

func TestParseWaitingRoute(t *testing.T) {
	res := newTestParser(t).Parse(htmlPayload(`<p>Vlak čeka polazak</p>`))

	require.Empty(t, res.Errors)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, models.StatusWaiting, res.Observations[0].Status)
	assert.False(t, res.Observations[0].HasTimes())
}

func TestParseUnrecognisedPage(t *testing.T) {
	res := newTestParser(t).Parse(htmlPayload(`<p>Service temporarily unavailable</p>`))

	assert.Empty(t, res.Observations)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, -1, res.Errors[0].Fragment)
}

func TestStatusFromText(t *testing.T) {
	tests := []struct {
		text string
		want models.StatusFlag
	}{
		{"Vlak čeka polazak", models.StatusWaiting},
		{"Vlak ceka polazak", models.StatusWaiting},
		{"Vlak je redovit", models.StatusOnTime},
		{"Kasni 5 min.", models.StatusLate},
		{"KASNI   15 MIN", models.StatusLate},
		{"Završio je vožnju", models.StatusFinished},
		{"Kasni 5 min. Radovi na pruzi", models.StatusRailwayWorks},
		{"Završio je vožnju. Kasni 3 min.", models.StatusFinished},
		{"", models.StatusUnknown},
		{"nešto drugo", models.StatusUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFromText(tc.text))
		})
	}
}

func TestLateMinutes(t *testing.T) {
	require.NotNil(t, lateMinutes("Kasni 5 min."))
	assert.Equal(t, 5, *lateMinutes("Kasni 5 min."))
	assert.Equal(t, 120, *lateMinutes("Vlak kasni 120 min"))
	assert.Nil(t, lateMinutes("Vlak je redovit"))
}

func TestParseStatusOnlyPageCarriesLateMinutes(t *testing.T) {
	res := newTestParser(t).Parse(htmlPayload(`<p>Vlak 2024<br>Kasni 14 min.</p>`))

	require.Len(t, res.Observations, 1)
	obs := res.Observations[0]
	assert.Empty(t, obs.StationCode)
	assert.Equal(t, models.StatusLate, obs.Status)
	require.NotNil(t, obs.LateMinutes)
	assert.Equal(t, 14, *obs.LateMinutes)
}

func TestParseClock(t *testing.T) {
	p := newTestParser(t)

	tests := []struct {
		name    string
		text    string
		fetched time.Time
		want    *time.Time
		wantErr bool
	}{
		{"plain", "08:05", fetchedAt, ptr(utc(7, 5)), false},
		{"dot separator", "8.05", fetchedAt, ptr(utc(7, 5)), false},
		{"dated", "04.03.24. 10:24", fetchedAt, ptr(utc(9, 24)), false},
		{"dated long year", "04.03.2024. u 10:24 sati", fetchedAt, ptr(utc(9, 24)), false},
		{"empty", "", fetchedAt, nil, false},
		{"placeholder", "--:--", fetchedAt, nil, false},
		// 23:50 seen just after local midnight belongs to the previous day
		{"rollback past midnight", "23:50", time.Date(2024, 3, 4, 23, 10, 0, 0, time.UTC), ptr(time.Date(2024, 3, 4, 22, 50, 0, 0, time.UTC)), false},
		{"out of range", "25:10", fetchedAt, nil, true},
		{"bad date", "31.02.24. 10:00", fetchedAt, nil, true},
		{"garbage", "soon", fetchedAt, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.parseClock(tc.text, tc.fetched)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tc.want, *got)
		})
	}
}

func TestFold(t *testing.T) {
	assert.Equal(t, "krizevci", Fold("  KRIŽEVCI "))
	assert.Equal(t, "dakovo cvor", Fold("Đakovo\n  Čvor"))
}

func gtfsPayload(t *testing.T, feed *gtfs.FeedMessage) *models.RawPayload {
	t.Helper()
	body, err := proto.Marshal(feed)
	require.NoError(t, err)
	return &models.RawPayload{
		RouteNumber: 2024,
		ContentType: "application/x-protobuf",
		Body:        body,
		FetchedAt:   fetchedAt,
	}
}

func feedHeader() *gtfs.FeedHeader {
	return &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
		Timestamp:           proto.Uint64(uint64(fetchedAt.Unix())),
	}
}

func TestParseGTFSRT(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: feedHeader(),
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("tu-2024"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{RouteId: proto.String("2024")},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						{
							StopId:    proto.String("ZGB"),
							Departure: &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(utc(7, 5).Unix()), Delay: proto.Int32(0)},
						},
						{
							StopId:  proto.String("DSV"),
							Arrival: &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(utc(7, 27).Unix()), Delay: proto.Int32(180)},
						},
						{
							StopId:               proto.String("KRZ"),
							ScheduleRelationship: gtfs.TripUpdate_StopTimeUpdate_SKIPPED.Enum(),
						},
						{
							StopSequence: proto.Uint32(4),
							Arrival:      &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(utc(8, 0).Unix())},
						},
					},
				},
			},
			{
				Id: proto.String("tu-other"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{RouteId: proto.String("3001")},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						{StopId: proto.String("ZGB")},
					},
				},
			},
		},
	}

	res := newTestParser(t).Parse(gtfsPayload(t, feed))

	require.Len(t, res.Observations, 2)
	assert.Equal(t, "ZGB", res.Observations[0].StationCode)
	assert.Equal(t, utc(7, 5), *res.Observations[0].ActualDeparture)
	assert.Equal(t, models.StatusOnTime, res.Observations[0].Status)
	assert.Equal(t, "DSV", res.Observations[1].StationCode)
	assert.Equal(t, utc(7, 27), *res.Observations[1].ActualArrival)
	assert.Equal(t, models.StatusLate, res.Observations[1].Status)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Fragment)
	assert.Equal(t, "missing stop_id", res.Errors[0].Reason)
}

func TestParseGTFSRTRailwayWorks(t *testing.T) {
	tests := []struct {
		cause gtfs.Alert_Cause
		works bool
	}{
		{gtfs.Alert_CONSTRUCTION, true},
		{gtfs.Alert_MAINTENANCE, true},
		{gtfs.Alert_WEATHER, false},
	}
	for _, tc := range tests {
		t.Run(tc.cause.String(), func(t *testing.T) {
			feed := &gtfs.FeedMessage{
				Header: feedHeader(),
				Entity: []*gtfs.FeedEntity{
					{
						Id: proto.String("alert-1"),
						Alert: &gtfs.Alert{
							Cause:          tc.cause.Enum(),
							InformedEntity: []*gtfs.EntitySelector{{RouteId: proto.String("2024")}},
						},
					},
				},
			}

			res := newTestParser(t).Parse(gtfsPayload(t, feed))

			require.Empty(t, res.Errors)
			if !tc.works {
				assert.Empty(t, res.Observations)
				return
			}
			require.Len(t, res.Observations, 1)
			assert.Empty(t, res.Observations[0].StationCode)
			assert.Equal(t, models.StatusRailwayWorks, res.Observations[0].Status)
		})
	}
}

func TestParseGTFSRTMalformed(t *testing.T) {
	payload := &models.RawPayload{
		RouteNumber: 2024,
		ContentType: "application/x-protobuf",
		Body:        []byte{0xff, 0xff, 0xff},
		FetchedAt:   fetchedAt,
	}
	res := newTestParser(t).Parse(payload)
	assert.Empty(t, res.Observations)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, -1, res.Errors[0].Fragment)
}

func ptr(t time.Time) *time.Time {
	return &t
}
