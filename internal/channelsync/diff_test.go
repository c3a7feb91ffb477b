package channelsync

import (
	"testing"

	"staysync/internal/ics"
	"staysync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	window := dr(t, "2026-03-01", "2027-03-01")
	existing := []models.Interval{
		{ID: 1, ExternalUID: "same", Range: dr(t, "2026-03-10", "2026-03-12"), Status: models.IntervalConfirmed, Version: 1},
		{ID: 2, ExternalUID: "moved", Range: dr(t, "2026-03-20", "2026-03-22"), Status: models.IntervalConfirmed, Version: 3},
		{ID: 3, ExternalUID: "gone", Range: dr(t, "2026-04-01", "2026-04-05"), Status: models.IntervalConfirmed, Version: 2},
		{ID: 4, ExternalUID: "past", Range: dr(t, "2026-01-01", "2026-01-05"), Status: models.IntervalConfirmed, Version: 1},
	}
	candidates := []ics.Candidate{
		{ExternalUID: "same", Range: dr(t, "2026-03-10", "2026-03-12")},
		{ExternalUID: "moved", Range: dr(t, "2026-03-21", "2026-03-23"), Summary: "Reserved"},
		{ExternalUID: "new", Range: dr(t, "2026-05-01", "2026-05-02")},
	}

	muts := Diff("u1", models.SourceChannelA, candidates, existing, window)
	require.Len(t, muts, 3)

	assert.Equal(t, models.MutationUpsert, muts[0].Kind)
	assert.Equal(t, "moved", muts[0].Upsert.ExternalUID)
	require.NotNil(t, muts[0].Upsert.ExpectedVersion)
	assert.Equal(t, int64(3), *muts[0].Upsert.ExpectedVersion)
	assert.Equal(t, models.IntervalConfirmed, muts[0].Upsert.Status)
	assert.Equal(t, "Reserved", muts[0].Upsert.Reference)

	assert.Equal(t, "new", muts[1].Upsert.ExternalUID)
	assert.Nil(t, muts[1].Upsert.ExpectedVersion)
	assert.Equal(t, models.SourceChannelA, muts[1].Upsert.Source)

	assert.Equal(t, models.MutationCancel, muts[2].Kind)
	assert.Equal(t, int64(3), muts[2].IntervalID)
	assert.Equal(t, int64(2), muts[2].ExpectedVersion)
}

func TestDiff_EmptyFeedCancelsEverythingInWindow(t *testing.T) {
	window := dr(t, "2026-03-01", "2027-03-01")
	existing := []models.Interval{
		{ID: 1, ExternalUID: "a", Range: dr(t, "2026-02-27", "2026-03-02"), Status: models.IntervalConfirmed, Version: 1},
		{ID: 2, ExternalUID: "b", Range: dr(t, "2026-06-01", "2026-06-03"), Status: models.IntervalTentative, Version: 1},
	}

	muts := Diff("u1", models.SourceChannelB, nil, existing, window)
	require.Len(t, muts, 2)
	for _, m := range muts {
		assert.Equal(t, models.MutationCancel, m.Kind)
	}
}
