package service

import (
	"context"
	"testing"
	"time"

	"staysync/internal/config"
	"staysync/internal/domain"
	"staysync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictGuard_Validate(t *testing.T) {
	e := newEnv(t, config.ReservationsConfig{
		MaxStayNights: 30,
		Blackouts: []config.BlackoutConfig{
			{Start: "2026-12-24", End: "2026-12-27", Reason: "holidays"},
			{UnitID: "u2", Start: "2026-05-01", End: "2026-05-10"},
		},
	})
	ctx := context.Background()

	tests := []struct {
		name     string
		req      models.ReservationRequest
		validErr bool
		capErr   bool
	}{
		{name: "ok", req: request(t, "u1", "2026-03-10", "2026-03-13", 2, "")},
		{name: "missing unit", req: request(t, "", "2026-03-10", "2026-03-13", 2, ""), validErr: true},
		{name: "check-out equals check-in", req: request(t, "u1", "2026-03-10", "2026-03-10", 2, ""), validErr: true},
		{name: "check-out before check-in", req: request(t, "u1", "2026-03-13", "2026-03-10", 2, ""), validErr: true},
		{name: "no guests", req: request(t, "u1", "2026-03-10", "2026-03-13", 0, ""), validErr: true},
		{name: "over capacity", req: request(t, "u2", "2026-03-10", "2026-03-13", 3, ""), capErr: true},
		{name: "unknown unit", req: request(t, "nope", "2026-03-10", "2026-03-13", 1, ""), validErr: true},
		{name: "disabled unit", req: request(t, "u3", "2026-03-10", "2026-03-13", 1, ""), validErr: true},
		{name: "too long", req: request(t, "u1", "2026-03-01", "2026-04-15", 1, ""), validErr: true},
		{name: "global blackout", req: request(t, "u1", "2026-12-26", "2026-12-28", 1, ""), validErr: true},
		{name: "unit blackout", req: request(t, "u2", "2026-05-05", "2026-05-06", 1, ""), validErr: true},
		{name: "other unit ignores blackout", req: request(t, "u1", "2026-05-05", "2026-05-06", 1, "")},
		{name: "adjacent to blackout", req: request(t, "u1", "2026-12-27", "2026-12-29", 1, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.guard.Validate(ctx, tt.req)
			switch {
			case tt.validErr:
				assert.True(t, domain.IsValidation(err), "want validation error, got %v", err)
			case tt.capErr:
				var capErr *domain.CapacityError
				require.ErrorAs(t, err, &capErr)
				assert.Equal(t, 2, capErr.MaxAllowed)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestConflictGuard_BlackoutMessage(t *testing.T) {
	e := newEnv(t, config.ReservationsConfig{
		Blackouts: []config.BlackoutConfig{{Start: "2026-12-24", End: "2026-12-27", Reason: "holidays"}},
	})
	err := e.guard.Validate(context.Background(), request(t, "u1", "2026-12-20", "2026-12-25", 1, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holidays")
}

func TestConflictGuard_InvalidBlackout(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewConflictGuard(nil, nil, config.ReservationsConfig{
		Blackouts: []config.BlackoutConfig{{Start: "someday", End: "2026-12-27"}},
	}, &logger)
	assert.Error(t, err)
}

func TestConflictGuard_Reserve(t *testing.T) {
	e := newEnv(t, config.ReservationsConfig{})
	ctx := context.Background()
	deadline := testStart.Add(time.Hour)

	iv, err := e.guard.Reserve(ctx, request(t, "u1", "2026-03-10", "2026-03-13", 2, ""), "", deadline)
	require.NoError(t, err)
	assert.Equal(t, models.SourceInternal, iv.Source)
	assert.Equal(t, models.IntervalTentative, iv.Status)

	// check-out day is free again
	_, err = e.guard.Reserve(ctx, request(t, "u1", "2026-03-13", "2026-03-15", 2, ""), "", deadline)
	require.NoError(t, err)

	_, err = e.db.UpsertInterval(ctx, models.UpsertRequest{
		UnitID:      "u1",
		Source:      models.SourceChannelA,
		ExternalUID: "abc",
		Range:       dr(t, "2026-04-01", "2026-04-05"),
		Status:      models.IntervalConfirmed,
	})
	require.NoError(t, err)

	_, err = e.guard.Reserve(ctx, request(t, "u1", "2026-04-03", "2026-04-06", 2, ""), "", deadline)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []models.Source{models.SourceChannelA}, conflict.Sources())
	assert.Contains(t, err.Error(), "already booked via channel_a")

	_, err = e.guard.Reserve(ctx, request(t, "u1", "2026-03-12", "2026-03-15", 2, ""), "", deadline)
	assert.True(t, domain.IsConflict(err))

	// validation runs before any availability lookup
	_, err = e.guard.Reserve(ctx, request(t, "u1", "2026-03-12", "2026-03-12", 2, ""), "", deadline)
	assert.True(t, domain.IsValidation(err))
}
