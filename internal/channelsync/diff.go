package channelsync

import (
	"staysync/internal/ics"
	"staysync/internal/models"
)

// Diff computes the batch that makes the stored channel intervals match the
// feed candidates inside window. New or changed claims become confirmed
// upserts; stored claims missing from the feed are cancelled. Stored
// intervals outside the window are left untouched.
func Diff(unitID string, channel models.Source, candidates []ics.Candidate, existing []models.Interval, window models.DateRange) []models.Mutation {
	known := make(map[string]models.Interval, len(existing))
	for _, iv := range existing {
		if iv.ExternalUID == "" || !iv.Status.Active() {
			continue
		}
		known[iv.ExternalUID] = iv
	}

	var out []models.Mutation
	wanted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		wanted[c.ExternalUID] = true

		req := models.UpsertRequest{
			UnitID:      unitID,
			Source:      channel,
			ExternalUID: c.ExternalUID,
			Range:       c.Range,
			Status:      models.IntervalConfirmed,
			Reference:   c.Summary,
		}
		if iv, ok := known[c.ExternalUID]; ok {
			if iv.SameContent(c.Range, models.IntervalConfirmed) {
				continue
			}
			version := iv.Version
			req.ExpectedVersion = &version
		}
		out = append(out, models.Mutation{Kind: models.MutationUpsert, Upsert: req})
	}

	for _, iv := range existing {
		if iv.ExternalUID == "" || !iv.Status.Active() || wanted[iv.ExternalUID] {
			continue
		}
		if !iv.Range.Overlaps(window) {
			continue
		}
		out = append(out, models.Mutation{
			Kind:            models.MutationCancel,
			IntervalID:      iv.ID,
			ExpectedVersion: iv.Version,
		})
	}
	return out
}
