package ics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"staysync/internal/models"

	"github.com/teambition/rrule-go"
)

const defaultMaxOccurrencesPerEvent = 1000

// Candidate is one channel claim ready to be diffed against the store.
type Candidate struct {
	ExternalUID string
	Range       models.DateRange
	Summary     string
}

type ExpandResult struct {
	Candidates []Candidate
	Skipped    []SkippedEvent
	// Truncated lists UIDs whose recurrence hit the occurrence cap.
	Truncated []string
}

// OccurrenceKey identifies one instance of a recurring event.
func OccurrenceKey(uid string, day time.Time) string {
	return uid + "#" + day.Format("20060102")
}

// Expand turns parsed events into candidates overlapping window. Cancelled
// events are absent, recurring events yield one candidate per occurrence.
func Expand(events []Event, window models.DateRange, maxPerEvent int) (ExpandResult, error) {
	var out ExpandResult
	if !window.Valid() {
		return out, errors.New("expand: window end is not after start")
	}
	if maxPerEvent <= 0 {
		maxPerEvent = defaultMaxOccurrencesPerEvent
	}

	var order []string
	base := make(map[string]Event)
	overrides := make(map[string][]Event)
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, dup := base[ev.UID]; dup {
			out.Skipped = append(out.Skipped, SkippedEvent{UID: ev.UID, Reason: errors.New("duplicate UID")})
			continue
		}
		base[ev.UID] = ev
		order = append(order, ev.UID)
	}

	seen := make(map[string]bool)
	add := func(c Candidate) {
		if seen[c.ExternalUID] {
			return
		}
		seen[c.ExternalUID] = true
		out.Candidates = append(out.Candidates, c)
	}

	for _, uid := range order {
		ev := base[uid]
		if ev.Cancelled {
			continue
		}
		if ev.RawRRule == "" {
			if ev.Range.Overlaps(window) {
				add(Candidate{ExternalUID: ev.UID, Range: ev.Range, Summary: ev.Summary})
			}
			continue
		}

		cands, truncated, err := expandRecurring(ev, overrides[uid], window, maxPerEvent)
		if err != nil {
			out.Skipped = append(out.Skipped, SkippedEvent{UID: uid, Reason: err})
			continue
		}
		if truncated {
			out.Truncated = append(out.Truncated, uid)
		}
		for _, c := range cands {
			add(c)
		}
	}

	sort.SliceStable(out.Candidates, func(i, j int) bool {
		a, b := out.Candidates[i], out.Candidates[j]
		if !a.Range.Start.Equal(b.Range.Start) {
			return a.Range.Start.Before(b.Range.Start)
		}
		return a.ExternalUID < b.ExternalUID
	})
	return out, nil
}

func expandRecurring(ev Event, overrides []Event, window models.DateRange, maxPerEvent int) ([]Candidate, bool, error) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		return nil, false, fmt.Errorf("invalid RRULE %q: %w", ev.RawRRule, err)
	}
	r.DTStart(ev.Range.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex)
	}

	nights := ev.Range.Nights()
	// occurrences starting before the window can still overlap it
	from := window.Start.AddDate(0, 0, -nights)
	starts := set.Between(from, window.End, true)

	truncated := false
	if len(starts) > maxPerEvent {
		starts = starts[:maxPerEvent]
		truncated = true
	}

	var out []Candidate
	for _, occ := range starts {
		day := models.TruncateDate(occ)
		rng := models.DateRange{Start: day, End: day.AddDate(0, 0, nights)}
		key := OccurrenceKey(ev.UID, day)
		summary := ev.Summary

		if o, ok := findOverride(overrides, day); ok {
			if o.Cancelled {
				continue
			}
			rng = o.Range
			if o.Summary != "" {
				summary = o.Summary
			}
		}
		if !rng.Overlaps(window) {
			continue
		}
		out = append(out, Candidate{ExternalUID: key, Range: rng, Summary: summary})
	}
	return out, truncated, nil
}

// findOverride returns the override whose RECURRENCE-ID falls on day.
func findOverride(overrides []Event, day time.Time) (Event, bool) {
	for _, o := range overrides {
		if o.RecurrenceID != nil && o.RecurrenceID.Equal(day) {
			return o, true
		}
	}
	return Event{}, false
}
