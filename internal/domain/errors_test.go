package domain

import (
	"fmt"
	"testing"

	"staysync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestConflictError_Sources(t *testing.T) {
	err := &ConflictError{
		UnitID: "u1",
		Conflicting: []models.Interval{
			{ID: 1, Source: models.SourceChannelA},
			{ID: 2, Source: models.SourceChannelA},
			{ID: 3, Source: models.SourceManualBlock},
		},
	}

	assert.Equal(t, []models.Source{models.SourceChannelA, models.SourceManualBlock}, err.Sources())
	assert.Equal(t, []int64{1, 2, 3}, err.IDs())
	assert.Contains(t, err.Error(), "already booked via channel_a, manual_block")
}

func TestErrorMatching(t *testing.T) {
	wrapped := fmt.Errorf("reserve: %w", &ConflictError{UnitID: "u1"})
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsValidation(wrapped))

	assert.True(t, IsValidation(fmt.Errorf("x: %w", NewValidationError("check_in", "must be before check_out"))))
	assert.True(t, IsCapacity(&CapacityError{UnitID: "u1", Requested: 5, MaxAllowed: 4}))

	fetch := &ChannelFetchError{UnitID: "u1", Channel: models.SourceChannelA, StatusCode: 503, Err: ErrNotFound}
	assert.ErrorIs(t, fetch, ErrNotFound)
	assert.Contains(t, fetch.Error(), "status 503")
}
