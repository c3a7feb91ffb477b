package ics

import (
	"fmt"
	"time"

	"staysync/internal/models"

	ical "github.com/arran4/golang-ical"
)

// ExportOptions describe the published calendar.
type ExportOptions struct {
	ProductID string
	Name      string
	Domain    string
	Now       time.Time
}

// Export renders active intervals as all-day VEVENTs so that channels can
// import our occupancy. Summaries never leak the source or guest data.
func Export(unitID string, intervals []models.Interval, opts ExportOptions) string {
	if opts.ProductID == "" {
		opts.ProductID = "-//staysync//availability//EN"
	}
	if opts.Domain == "" {
		opts.Domain = "staysync"
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(opts.ProductID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	for _, iv := range intervals {
		if !iv.Status.Active() {
			continue
		}
		ev := cal.AddEvent(fmt.Sprintf("%s-%d@%s", unitID, iv.ID, opts.Domain))
		ev.SetDtStampTime(opts.Now.UTC())
		ev.SetAllDayStartAt(iv.Range.Start)
		ev.SetAllDayEndAt(iv.Range.End)
		ev.SetSummary("Not available")
		if iv.Status == models.IntervalTentative {
			ev.SetStatus(ical.ObjectStatusTentative)
		} else {
			ev.SetStatus(ical.ObjectStatusConfirmed)
		}
	}

	return cal.Serialize()
}
