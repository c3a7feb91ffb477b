package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"staysync/internal/models"

	ical "github.com/arran4/golang-ical"
)

// Event is a VEVENT reduced to the nights it occupies.
type Event struct {
	UID          string
	Summary      string
	Range        models.DateRange
	Cancelled    bool
	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time
}

// IsOverride reports whether the event replaces one recurring instance.
func (e Event) IsOverride() bool {
	return e.RecurrenceID != nil
}

// SkippedEvent records a VEVENT dropped during parsing.
type SkippedEvent struct {
	UID    string
	Reason error
}

// ParseResult holds the usable events plus the ones skipped one by one.
type ParseResult struct {
	Events  []Event
	Skipped []SkippedEvent
}

// Parse decodes an iCal payload. A payload that is not a calendar at all is
// an error; individual malformed VEVENTs only land in Skipped.
func Parse(body []byte) (ParseResult, error) {
	var out ParseResult
	if len(bytes.TrimSpace(body)) == 0 {
		return out, errors.New("empty feed body")
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return out, errors.New("feed is not an iCalendar document")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("parse calendar: %w", err)
	}

	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			out.Skipped = append(out.Skipped, SkippedEvent{UID: propValue(ve, ical.ComponentPropertyUniqueId), Reason: err})
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func parseVEvent(ve *ical.VEvent) (Event, error) {
	var out Event

	out.UID = propValue(ve, ical.ComponentPropertyUniqueId)
	if out.UID == "" {
		return out, errors.New("missing UID")
	}
	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Cancelled = strings.EqualFold(propValue(ve, ical.ComponentPropertyStatus), "CANCELLED")

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	startAt, err := parseICSTime(startProp.Value, tzidParam(startProp))
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	start := models.TruncateDate(startAt)

	var end time.Time
	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end, err = parseDateProp(ve.GetProperty(ical.ComponentPropertyDtEnd))
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
	case propValue(ve, "DURATION") != "":
		d, err := parseDuration(propValue(ve, "DURATION"))
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		end = models.TruncateDate(startAt.Add(d))
	default:
		// a DATE start without end lasts one day
		end = start.AddDate(0, 0, 1)
	}

	if end.Equal(start) {
		// same-day checkout still blocks the night
		end = start.AddDate(0, 0, 1)
	}
	if end.Before(start) {
		return out, fmt.Errorf("DTEND %s before DTSTART %s", end.Format(models.DateLayout), start.Format(models.DateLayout))
	}
	out.Range = models.DateRange{Start: start, End: end}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSTime(part, tzidParam(p))
			if err != nil {
				return out, fmt.Errorf("EXDATE: %w", err)
			}
			out.ExDates = append(out.ExDates, models.TruncateDate(t))
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, err := parseICSTime(p.Value, tzidParam(p))
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		rid := models.TruncateDate(t)
		out.RecurrenceID = &rid
	}

	return out, nil
}

func tzidParam(p *ical.IANAProperty) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if v, ok := p.ICalParameters["TZID"]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// parseDateProp returns the calendar date of a DTSTART/DTEND value.
func parseDateProp(p *ical.IANAProperty) (time.Time, error) {
	t, err := parseICSTime(p.Value, tzidParam(p))
	if err != nil {
		return time.Time{}, err
	}
	return models.TruncateDate(t), nil
}

// parseICSTime accepts DATE, floating DATE-TIME, UTC DATE-TIME and TZID
// qualified DATE-TIME values.
func parseICSTime(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := time.UTC
	if tzid != "" {
		if l, err := time.LoadLocation(strings.Trim(tzid, `"`)); err == nil {
			loc = l
		}
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration parses an RFC 5545 dur-value such as P3D or P1DT12H.
func parseDuration(v string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(v)))
	if m == nil || v == "P" || v == "PT" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}
