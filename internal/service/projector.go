package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"staysync/internal/config"
	"staysync/internal/domain"
	"staysync/internal/models"
)

const (
	WarningSyncAnomaly  = "sync_anomaly"
	WarningCrossChannel = "cross_channel_overlap"
)

type CalendarEntry struct {
	Start       string                `json:"start"`
	End         string                `json:"end"`
	Color       string                `json:"color"`
	SourceLabel string                `json:"source_label"`
	Source      models.Source         `json:"source"`
	Status      models.IntervalStatus `json:"status,omitempty"`
	IntervalID  int64                 `json:"interval_id,omitempty"`
	AnomalyID   int64                 `json:"anomaly_id,omitempty"`
	Flagged     bool                  `json:"flagged,omitempty"`

	rng models.DateRange
}

// Warning is an operator hint. Nothing acts on it automatically.
type Warning struct {
	Kind    string          `json:"kind"`
	Start   string          `json:"start"`
	End     string          `json:"end"`
	Sources []models.Source `json:"sources"`
	Message string          `json:"message"`
}

type CalendarView struct {
	UnitID   string          `json:"unit_id"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Entries  []CalendarEntry `json:"entries"`
	Warnings []Warning       `json:"warnings"`
}

var sourceLabels = map[models.Source]string{
	models.SourceInternal:    "Direct booking",
	models.SourceManualBlock: "Operator block",
}

// Projector builds the unified per-unit calendar from every source.
type Projector struct {
	store     domain.CalendarStore
	anomalies domain.AnomalyRepository
	colors    map[string]string
	flagged   string
}

func NewProjector(store domain.CalendarStore, anomalies domain.AnomalyRepository, cfg config.CalendarConfig) *Projector {
	return &Projector{
		store:     store,
		anomalies: anomalies,
		colors:    cfg.Colors,
		flagged:   cfg.DefaultColor,
	}
}

func (p *Projector) color(src models.Source) string {
	if c, ok := p.colors[string(src)]; ok && c != "" {
		return c
	}
	return p.flagged
}

func label(src models.Source) string {
	if l, ok := sourceLabels[src]; ok {
		return l
	}
	return string(src)
}

// Project returns the unit's entries overlapping r, ordered by start date.
func (p *Projector) Project(ctx context.Context, unitID string, r models.DateRange) (*CalendarView, error) {
	if !r.Valid() {
		return nil, domain.NewValidationError("to", "display range end must be after its start")
	}

	intervals, err := p.store.ListIntervals(ctx, unitID, r, models.ActiveStatuses...)
	if err != nil {
		return nil, err
	}
	open, err := p.anomalies.ListOpenAnomalies(ctx, unitID)
	if err != nil {
		return nil, err
	}

	view := &CalendarView{
		UnitID:   unitID,
		From:     r.StartString(),
		To:       r.EndString(),
		Entries:  make([]CalendarEntry, 0, len(intervals)),
		Warnings: []Warning{},
	}
	for _, iv := range intervals {
		view.Entries = append(view.Entries, CalendarEntry{
			Start:       iv.Range.StartString(),
			End:         iv.Range.EndString(),
			Color:       p.color(iv.Source),
			SourceLabel: label(iv.Source),
			Source:      iv.Source,
			Status:      iv.Status,
			IntervalID:  iv.ID,
			rng:         iv.Range,
		})
	}
	for _, a := range open {
		if !a.Range.Overlaps(r) {
			continue
		}
		view.Entries = append(view.Entries, CalendarEntry{
			Start:       a.Range.StartString(),
			End:         a.Range.EndString(),
			Color:       p.flagged,
			SourceLabel: label(a.Source) + " (unapplied)",
			Source:      a.Source,
			AnomalyID:   a.ID,
			Flagged:     true,
			rng:         a.Range,
		})
		view.Warnings = append(view.Warnings, Warning{
			Kind:    WarningSyncAnomaly,
			Start:   a.Range.StartString(),
			End:     a.Range.EndString(),
			Sources: append([]models.Source{a.Source}, a.ConflictingSources...),
			Message: fmt.Sprintf("%s claim %s could not be applied: collides with %s",
				a.Source, a.ExternalUID, joinSources(a.ConflictingSources)),
		})
	}

	sort.SliceStable(view.Entries, func(i, j int) bool {
		a, b := view.Entries[i], view.Entries[j]
		if !a.rng.Start.Equal(b.rng.Start) {
			return a.rng.Start.Before(b.rng.Start)
		}
		if !a.rng.End.Equal(b.rng.End) {
			return a.rng.End.Before(b.rng.End)
		}
		return a.Source < b.Source
	})
	view.Warnings = append(view.Warnings, crossChannelWarnings(view.Entries)...)
	return view, nil
}

func crossChannelWarnings(entries []CalendarEntry) []Warning {
	var out []Warning
	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i], entries[j]
			if !b.rng.Start.Before(a.rng.End) {
				break
			}
			if a.Source == b.Source || !a.Source.IsChannel() || !b.Source.IsChannel() {
				continue
			}
			overlap, ok := a.rng.Intersect(b.rng)
			if !ok {
				continue
			}
			out = append(out, Warning{
				Kind:    WarningCrossChannel,
				Start:   overlap.StartString(),
				End:     overlap.EndString(),
				Sources: []models.Source{a.Source, b.Source},
				Message: fmt.Sprintf("%s and %s both claim %s", a.Source, b.Source, overlap),
			})
		}
	}
	return out
}

func joinSources(sources []models.Source) string {
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
