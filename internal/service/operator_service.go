package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"staysync/internal/channelsync"
	"staysync/internal/domain"
	"staysync/internal/logging"
	"staysync/internal/models"

	"github.com/rs/zerolog"
)

// ChannelSyncer is the part of the sync scheduler operators drive.
type ChannelSyncer interface {
	ForceSync(ctx context.Context, unitID string, channel models.Source) (channelsync.PassResult, error)
	Health(ctx context.Context) ([]models.ChannelHealth, error)
}

type BlockRequest struct {
	UnitID string           `json:"unit_id"`
	Range  models.DateRange `json:"range"`
	Note   string           `json:"note"`
}

// OperatorService backs the operator endpoints: manual blocks, channel
// health and anomaly triage.
type OperatorService struct {
	store     domain.CalendarStore
	anomalies domain.AnomalyRepository
	catalog   domain.Catalog
	syncer    ChannelSyncer
	logger    *zerolog.Logger
}

func NewOperatorService(store domain.CalendarStore, anomalies domain.AnomalyRepository, catalog domain.Catalog, syncer ChannelSyncer, logger *zerolog.Logger) *OperatorService {
	return &OperatorService{
		store:     store,
		anomalies: anomalies,
		catalog:   catalog,
		syncer:    syncer,
		logger:    logging.Component(logger, "operator"),
	}
}

// CreateBlock closes nights for maintenance or owner use. Blocks go through
// the same atomic reserve as bookings and fail on overlap.
func (s *OperatorService) CreateBlock(ctx context.Context, req BlockRequest) (*models.Interval, error) {
	if req.UnitID == "" {
		return nil, domain.NewValidationError("unit_id", "is required")
	}
	if !req.Range.Valid() {
		return nil, domain.NewValidationError("end", "block end must be after its start")
	}
	if _, err := s.catalog.Capacity(ctx, req.UnitID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewValidationError("unit_id", fmt.Sprintf("unknown unit %s", req.UnitID))
		}
		return nil, err
	}

	iv, err := s.store.TryReserve(ctx, models.ReserveRequest{
		UnitID:    req.UnitID,
		Range:     req.Range,
		Source:    models.SourceManualBlock,
		Status:    models.IntervalConfirmed,
		Reference: strings.TrimSpace(req.Note),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("interval_id", iv.ID).Str("unit_id", iv.UnitID).Str("range", iv.Range.String()).Msg("Manual block created")
	return iv, nil
}

// RemoveBlock cancels a manual block. expectedVersion is optional; without it
// the current version is used.
func (s *OperatorService) RemoveBlock(ctx context.Context, id int64, expectedVersion *int64) (*models.Interval, error) {
	iv, err := s.store.GetInterval(ctx, id)
	if err != nil {
		return nil, err
	}
	if iv.Source != models.SourceManualBlock {
		return nil, domain.NewValidationError("id", fmt.Sprintf("interval %d is a %s claim, not a manual block", id, iv.Source))
	}
	version := iv.Version
	if expectedVersion != nil {
		version = *expectedVersion
	}
	out, err := s.store.CancelInterval(ctx, id, version)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("interval_id", id).Str("unit_id", iv.UnitID).Msg("Manual block removed")
	return out, nil
}

func (s *OperatorService) ChannelHealth(ctx context.Context) ([]models.ChannelHealth, error) {
	return s.syncer.Health(ctx)
}

func (s *OperatorService) ForceSync(ctx context.Context, unitID string, channel models.Source) (channelsync.PassResult, error) {
	return s.syncer.ForceSync(ctx, unitID, channel)
}

// Anomalies lists open anomalies; an empty unitID lists every unit.
func (s *OperatorService) Anomalies(ctx context.Context, unitID string) ([]models.SyncAnomaly, error) {
	out, err := s.anomalies.ListOpenAnomalies(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.SyncAnomaly{}
	}
	return out, nil
}

// ResolveAnomaly marks an anomaly handled. The channel claim itself is not
// applied; the next sync pass re-detects it if it still collides.
func (s *OperatorService) ResolveAnomaly(ctx context.Context, id int64) error {
	if err := s.anomalies.ResolveAnomaly(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("anomaly_id", id).Msg("Anomaly resolved by operator")
	return nil
}
