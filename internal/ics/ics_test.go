package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"staysync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(strings.TrimLeft(s, "\n"), "\n", "\r\n"))
}

func dr(t *testing.T, start, end string) models.DateRange {
	t.Helper()
	r, err := models.ParseDateRange(start, end)
	require.NoError(t, err)
	return r
}

const sampleFeed = `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Channel A//Hosting Calendar//EN
BEGIN:VEVENT
UID:res-100@channel-a
DTSTART;VALUE=DATE:20260310
DTEND;VALUE=DATE:20260313
SUMMARY:Reserved
END:VEVENT
BEGIN:VEVENT
UID:res-101@channel-a
DTSTART;TZID=Europe/Berlin:20260320T150000
DTEND;TZID=Europe/Berlin:20260322T110000
SUMMARY:Guest stay
END:VEVENT
BEGIN:VEVENT
UID:res-102@channel-a
DTSTART;VALUE=DATE:20260401
DURATION:P2D
END:VEVENT
BEGIN:VEVENT
UID:res-103@channel-a
DTSTART;VALUE=DATE:20260405
DTEND;VALUE=DATE:20260407
STATUS:CANCELLED
END:VEVENT
BEGIN:VEVENT
UID:broken-no-start@channel-a
SUMMARY:Broken
END:VEVENT
BEGIN:VEVENT
UID:broken-date@channel-a
DTSTART;VALUE=DATE:2026XX01
END:VEVENT
BEGIN:VEVENT
DTSTART;VALUE=DATE:20260501
DTEND;VALUE=DATE:20260502
END:VEVENT
END:VCALENDAR
`

func TestParse(t *testing.T) {
	res, err := Parse(crlf(sampleFeed))
	require.NoError(t, err)

	require.Len(t, res.Events, 4)
	assert.Len(t, res.Skipped, 3)

	byUID := map[string]Event{}
	for _, ev := range res.Events {
		byUID[ev.UID] = ev
	}

	assert.Equal(t, "[2026-03-10, 2026-03-13)", byUID["res-100@channel-a"].Range.String())
	assert.Equal(t, "[2026-03-20, 2026-03-22)", byUID["res-101@channel-a"].Range.String())
	assert.Equal(t, "Guest stay", byUID["res-101@channel-a"].Summary)
	assert.Equal(t, "[2026-04-01, 2026-04-03)", byUID["res-102@channel-a"].Range.String())
	assert.True(t, byUID["res-103@channel-a"].Cancelled)
}

func TestParse_NotACalendar(t *testing.T) {
	_, err := Parse([]byte("<html>maintenance</html>"))
	assert.Error(t, err)

	_, err = Parse(nil)
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "P3D", want: 72 * time.Hour},
		{in: "P1W", want: 7 * 24 * time.Hour},
		{in: "P1DT12H", want: 36 * time.Hour},
		{in: "PT90M", want: 90 * time.Minute},
		{in: "-P1D", wantErr: true},
		{in: "3 days", wantErr: true},
		{in: "P", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

const recurringFeed = `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Channel B//EN
BEGIN:VEVENT
UID:weekly-block
DTSTART;VALUE=DATE:20260302
DTEND;VALUE=DATE:20260304
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE;VALUE=DATE:20260309
SUMMARY:Owner stay
END:VEVENT
BEGIN:VEVENT
UID:weekly-block
RECURRENCE-ID;VALUE=DATE:20260316
DTSTART;VALUE=DATE:20260317
DTEND;VALUE=DATE:20260319
SUMMARY:Owner stay moved
END:VEVENT
BEGIN:VEVENT
UID:weekly-block
RECURRENCE-ID;VALUE=DATE:20260323
DTSTART;VALUE=DATE:20260323
DTEND;VALUE=DATE:20260325
STATUS:CANCELLED
END:VEVENT
BEGIN:VEVENT
UID:single
DTSTART;VALUE=DATE:20260310
DTEND;VALUE=DATE:20260311
END:VEVENT
BEGIN:VEVENT
UID:single
DTSTART;VALUE=DATE:20260410
DTEND;VALUE=DATE:20260411
END:VEVENT
BEGIN:VEVENT
UID:far-future
DTSTART;VALUE=DATE:20290101
DTEND;VALUE=DATE:20290105
END:VEVENT
END:VCALENDAR
`

func TestExpand_Recurrence(t *testing.T) {
	parsed, err := Parse(crlf(recurringFeed))
	require.NoError(t, err)
	require.Empty(t, parsed.Skipped)

	res, err := Expand(parsed.Events, dr(t, "2026-03-01", "2027-03-01"), 0)
	require.NoError(t, err)

	got := map[string]string{}
	for _, c := range res.Candidates {
		got[c.ExternalUID] = c.Range.String()
	}

	assert.Equal(t, map[string]string{
		"weekly-block#20260302": "[2026-03-02, 2026-03-04)",
		"weekly-block#20260316": "[2026-03-17, 2026-03-19)",
		"single":                "[2026-03-10, 2026-03-11)",
	}, got)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "single", res.Skipped[0].UID)

	// ordered by start date
	assert.Equal(t, "weekly-block#20260302", res.Candidates[0].ExternalUID)
}

func TestExpand_WindowAndCap(t *testing.T) {
	events := []Event{{
		UID:      "daily",
		Range:    dr(t, "2026-01-01", "2026-01-02"),
		RawRRule: "FREQ=DAILY",
	}}

	res, err := Expand(events, dr(t, "2026-01-01", "2026-02-01"), 10)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 10)
	assert.Equal(t, []string{"daily"}, res.Truncated)

	res, err = Expand([]Event{{UID: "bad", Range: dr(t, "2026-01-01", "2026-01-02"), RawRRule: "FREQ=SOMETIMES"}},
		dr(t, "2026-01-01", "2026-02-01"), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Len(t, res.Skipped, 1)

	_, err = Expand(nil, dr(t, "2026-02-01", "2026-01-01"), 0)
	assert.Error(t, err)
}

func TestFetcher_ConditionalGet(t *testing.T) {
	body := crlf(sampleFeed)
	var sawIfNoneMatch string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawIfNoneMatch = r.Header.Get("If-None-Match")
		if sawIfNoneMatch == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Tue, 10 Mar 2026 10:00:00 GMT")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	f := NewFetcher(srv.Client(), "staysync-test", &logger)
	ctx := context.Background()

	first, err := f.Fetch(ctx, srv.URL+"/feed.ics", Validators{})
	require.NoError(t, err)
	assert.False(t, first.NotModified)
	assert.Equal(t, Fingerprint(body), first.Fingerprint)
	assert.Equal(t, `"v1"`, first.Validators.ETag)
	assert.Empty(t, sawIfNoneMatch)

	second, err := f.Fetch(ctx, srv.URL+"/feed.ics", first.Validators)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Equal(t, `"v1"`, sawIfNoneMatch)
	assert.Equal(t, first.Validators, second.Validators)
}

func TestFetcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := zerolog.Nop()
	f := NewFetcher(srv.Client(), "", &logger)

	_, err := f.Fetch(context.Background(), srv.URL, Validators{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	_, err = f.Fetch(context.Background(), "", Validators{})
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://cal.example.com/...(redacted)", RedactURL("https://cal.example.com/ical/secret-token.ics"))
	assert.Equal(t, "https://cal.example.com/...(redacted)", RedactURL("https://cal.example.com?token=abc"))
	assert.Equal(t, "ics://...(redacted)", RedactURL("not-a-url"))
}

func TestExport_RoundTrip(t *testing.T) {
	intervals := []models.Interval{
		{ID: 1, UnitID: "u1", Range: dr(t, "2026-03-10", "2026-03-13"), Status: models.IntervalConfirmed, Source: models.SourceInternal},
		{ID: 2, UnitID: "u1", Range: dr(t, "2026-03-20", "2026-03-21"), Status: models.IntervalTentative, Source: models.SourceChannelA},
		{ID: 3, UnitID: "u1", Range: dr(t, "2026-04-01", "2026-04-03"), Status: models.IntervalCancelled, Source: models.SourceChannelB},
	}

	out := Export("u1", intervals, ExportOptions{Name: "Unit 1", Now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)})
	assert.Contains(t, out, "METHOD:PUBLISH")
	assert.NotContains(t, out, "channel_a")

	parsed, err := Parse([]byte(out))
	require.NoError(t, err)
	require.Len(t, parsed.Events, 2)
	assert.Equal(t, "u1-1@staysync", parsed.Events[0].UID)
	assert.Equal(t, intervals[0].Range, parsed.Events[0].Range)
	assert.Equal(t, intervals[1].Range, parsed.Events[1].Range)
}
