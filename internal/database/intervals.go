package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"staysync/internal/domain"
	"staysync/internal/models"
)

const intervalColumns = `id, unit_id, start_date, end_date, source, external_uid, status, version, reference, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInterval(row rowScanner) (*models.Interval, error) {
	var (
		iv         models.Interval
		start, end string
		externalID sql.NullString
	)
	err := row.Scan(&iv.ID, &iv.UnitID, &start, &end, &iv.Source, &externalID, &iv.Status,
		&iv.Version, &iv.Reference, &iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	iv.Range, err = models.ParseDateRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to parse interval %d dates: %w", iv.ID, err)
	}
	iv.ExternalUID = externalID.String
	return &iv, nil
}

func collectIntervals(rows *sql.Rows) ([]models.Interval, error) {
	defer rows.Close()
	var out []models.Interval
	for rows.Next() {
		iv, err := scanInterval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interval: %w", err)
		}
		out = append(out, *iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intervals: %w", err)
	}
	return out, nil
}

func statusFilter(statuses []models.IntervalStatus) (string, []interface{}) {
	if len(statuses) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return " AND status IN (" + strings.Join(placeholders, ", ") + ")", args
}

// ListIntervals returns intervals of unitID overlapping r, ordered by start
// date then id. No statuses means every status.
func (db *DB) ListIntervals(ctx context.Context, unitID string, r models.DateRange, statuses ...models.IntervalStatus) ([]models.Interval, error) {
	filter, filterArgs := statusFilter(statuses)
	query := `SELECT ` + intervalColumns + ` FROM intervals
              WHERE unit_id = ? AND start_date < ? AND end_date > ?` + filter + `
              ORDER BY start_date ASC, id ASC`
	args := append([]interface{}{unitID, r.EndString(), r.StartString()}, filterArgs...)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intervals: %w", err)
	}
	return collectIntervals(rows)
}

// ListIntervalsBySource returns the non-cancelled intervals of one source.
func (db *DB) ListIntervalsBySource(ctx context.Context, unitID string, source models.Source) ([]models.Interval, error) {
	query := `SELECT ` + intervalColumns + ` FROM intervals
              WHERE unit_id = ? AND source = ? AND status <> ?
              ORDER BY start_date ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, unitID, string(source), string(models.IntervalCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to list intervals by source: %w", err)
	}
	return collectIntervals(rows)
}

// ListActiveIntervalsFrom returns the active intervals of a unit ending after
// from. Used by the feed export.
func (db *DB) ListActiveIntervalsFrom(ctx context.Context, unitID string, from time.Time) ([]models.Interval, error) {
	query := `SELECT ` + intervalColumns + ` FROM intervals
              WHERE unit_id = ? AND end_date > ? AND status IN (?, ?)
              ORDER BY start_date ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, unitID, from.Format(models.DateLayout),
		string(models.IntervalTentative), string(models.IntervalConfirmed))
	if err != nil {
		return nil, fmt.Errorf("failed to list active intervals: %w", err)
	}
	return collectIntervals(rows)
}

func (db *DB) GetInterval(ctx context.Context, id int64) (*models.Interval, error) {
	row := db.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM intervals WHERE id = ?`, id)
	iv, err := scanInterval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interval %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interval: %w", err)
	}
	return iv, nil
}

func getIntervalTx(ctx context.Context, tx *unitTx, id int64) (*models.Interval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM intervals WHERE id = ?`, id)
	iv, err := scanInterval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interval %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interval in tx: %w", err)
	}
	return iv, nil
}

// findConflictsTx returns active intervals of the tx unit overlapping r,
// ignoring excludeID.
func findConflictsTx(ctx context.Context, tx *unitTx, r models.DateRange, excludeID int64) ([]models.Interval, error) {
	query := `SELECT ` + intervalColumns + ` FROM intervals
              WHERE unit_id = ? AND start_date < ? AND end_date > ? AND status IN (?, ?) AND id <> ?
              ORDER BY start_date ASC, id ASC`
	rows, err := tx.QueryContext(ctx, query, tx.unitID, r.EndString(), r.StartString(),
		string(models.IntervalTentative), string(models.IntervalConfirmed), excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to check conflicts: %w", err)
	}
	return collectIntervals(rows)
}

func checkConflictsTx(ctx context.Context, tx *unitTx, r models.DateRange, excludeID int64) error {
	conflicts, err := findConflictsTx(ctx, tx, r, excludeID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &domain.ConflictError{UnitID: tx.unitID, Range: r, Conflicting: conflicts}
	}
	return nil
}

func insertIntervalTx(ctx context.Context, tx *unitTx, iv *models.Interval) error {
	var externalID interface{}
	if iv.ExternalUID != "" {
		externalID = iv.ExternalUID
	}
	result, err := tx.ExecContext(ctx, `INSERT INTO intervals (
                unit_id, start_date, end_date, source, external_uid, status, version, reference, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		iv.UnitID, iv.Range.StartString(), iv.Range.EndString(), string(iv.Source), externalID,
		string(iv.Status), iv.Reference, tx.now, tx.now)
	if err != nil {
		return fmt.Errorf("failed to insert interval: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	iv.ID = id
	iv.Version = 1
	iv.CreatedAt = tx.now
	iv.UpdatedAt = tx.now
	tx.writes++
	return nil
}

// updateIntervalTx writes range, status and reference with a version CAS.
func updateIntervalTx(ctx context.Context, tx *unitTx, iv *models.Interval, fromVersion int64) error {
	result, err := tx.ExecContext(ctx, `UPDATE intervals
            SET start_date = ?, end_date = ?, status = ?, reference = ?, version = version + 1, updated_at = ?
            WHERE id = ? AND version = ?`,
		iv.Range.StartString(), iv.Range.EndString(), string(iv.Status), iv.Reference, tx.now, iv.ID, fromVersion)
	if err != nil {
		return fmt.Errorf("failed to update interval: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrStaleVersion
	}
	iv.Version = fromVersion + 1
	iv.UpdatedAt = tx.now
	tx.writes++
	return nil
}

func validateUpsert(req models.UpsertRequest) error {
	if req.UnitID == "" {
		return domain.NewValidationError("unit_id", "is required")
	}
	if !req.Source.IsChannel() {
		return domain.NewValidationError("source", fmt.Sprintf("%s intervals cannot be synced", req.Source))
	}
	if req.ExternalUID == "" {
		return domain.NewValidationError("external_uid", "is required for channel intervals")
	}
	if !req.Range.Valid() {
		return domain.NewValidationError("range", "start must be before end")
	}
	switch req.Status {
	case models.IntervalTentative, models.IntervalConfirmed, models.IntervalCancelled:
	default:
		return domain.NewValidationError("status", fmt.Sprintf("unknown status %q", req.Status))
	}
	return nil
}

func upsertTx(ctx context.Context, tx *unitTx, req models.UpsertRequest) (models.UpsertResult, error) {
	if err := validateUpsert(req); err != nil {
		return models.UpsertResult{}, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM intervals
            WHERE unit_id = ? AND source = ? AND external_uid = ?`,
		req.UnitID, string(req.Source), req.ExternalUID)
	existing, err := scanInterval(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.UpsertResult{}, fmt.Errorf("failed to look up interval: %w", err)
	}

	if existing == nil {
		if req.ExpectedVersion != nil {
			return models.UpsertResult{}, domain.ErrStaleVersion
		}
		if req.Status == models.IntervalCancelled {
			return models.UpsertResult{Outcome: models.OutcomeUnchanged}, nil
		}
		if err := checkConflictsTx(ctx, tx, req.Range, 0); err != nil {
			return models.UpsertResult{}, err
		}
		iv := &models.Interval{
			UnitID:      req.UnitID,
			Range:       req.Range,
			Source:      req.Source,
			ExternalUID: req.ExternalUID,
			Status:      req.Status,
			Reference:   req.Reference,
		}
		if err := insertIntervalTx(ctx, tx, iv); err != nil {
			return models.UpsertResult{}, err
		}
		return models.UpsertResult{Interval: iv, Outcome: models.OutcomeCreated}, nil
	}

	if existing.SameContent(req.Range, req.Status) ||
		(existing.Status == models.IntervalCancelled && req.Status == models.IntervalCancelled) {
		return models.UpsertResult{Interval: existing, Outcome: models.OutcomeUnchanged}, nil
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != existing.Version {
		return models.UpsertResult{}, domain.ErrStaleVersion
	}
	if req.Status.Active() {
		if err := checkConflictsTx(ctx, tx, req.Range, existing.ID); err != nil {
			return models.UpsertResult{}, err
		}
	}

	updated := *existing
	updated.Range = req.Range
	updated.Status = req.Status
	if req.Reference != "" {
		updated.Reference = req.Reference
	}
	if err := updateIntervalTx(ctx, tx, &updated, existing.Version); err != nil {
		return models.UpsertResult{}, err
	}
	outcome := models.OutcomeUpdated
	if updated.Status == models.IntervalCancelled {
		outcome = models.OutcomeCancelled
	}
	return models.UpsertResult{Interval: &updated, Outcome: outcome}, nil
}

// UpsertInterval creates or updates the channel interval keyed by
// (unit, source, external uid).
func (db *DB) UpsertInterval(ctx context.Context, req models.UpsertRequest) (models.UpsertResult, error) {
	var res models.UpsertResult
	err := db.withUnitTx(ctx, req.UnitID, func(tx *unitTx) error {
		var err error
		res, err = upsertTx(ctx, tx, req)
		return err
	})
	return res, err
}

func validateReserve(req *models.ReserveRequest) error {
	if req.UnitID == "" {
		return domain.NewValidationError("unit_id", "is required")
	}
	if !req.Range.Valid() {
		return domain.NewValidationError("range", "check-in must be before check-out")
	}
	if req.Source == "" {
		req.Source = models.SourceInternal
	}
	if req.Status == "" {
		req.Status = models.IntervalTentative
	}
	if !req.Status.Active() {
		return domain.NewValidationError("status", "reserve requires an active status")
	}
	return nil
}

// TryReserve inserts a new interval if no active interval of the unit overlaps
// it. The check and the insert share one write transaction under the unit lock.
func (db *DB) TryReserve(ctx context.Context, req models.ReserveRequest) (*models.Interval, error) {
	if err := validateReserve(&req); err != nil {
		return nil, err
	}

	var iv *models.Interval
	err := db.withUnitTx(ctx, req.UnitID, func(tx *unitTx) error {
		if err := checkConflictsTx(ctx, tx, req.Range, 0); err != nil {
			return err
		}
		iv = &models.Interval{
			UnitID:    req.UnitID,
			Range:     req.Range,
			Source:    req.Source,
			Status:    req.Status,
			Reference: req.Reference,
		}
		if err := insertIntervalTx(ctx, tx, iv); err != nil {
			return err
		}
		if req.ReservationID != "" {
			return markReservedTx(ctx, tx, req.ReservationID, iv.ID, req.HoldDeadline)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return iv, nil
}

func cancelTx(ctx context.Context, tx *unitTx, id, expectedVersion int64) (*models.Interval, error) {
	iv, err := getIntervalTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if iv.UnitID != tx.unitID {
		return nil, fmt.Errorf("interval %d belongs to unit %s: %w", id, iv.UnitID, domain.ErrNotFound)
	}
	if iv.Version != expectedVersion {
		return nil, domain.ErrStaleVersion
	}
	if iv.Status == models.IntervalCancelled {
		return iv, nil
	}
	iv.Status = models.IntervalCancelled
	if err := updateIntervalTx(ctx, tx, iv, expectedVersion); err != nil {
		return nil, err
	}
	return iv, nil
}

func confirmTx(ctx context.Context, tx *unitTx, id, expectedVersion int64) (*models.Interval, error) {
	iv, err := getIntervalTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if iv.UnitID != tx.unitID {
		return nil, fmt.Errorf("interval %d belongs to unit %s: %w", id, iv.UnitID, domain.ErrNotFound)
	}
	if iv.Version != expectedVersion {
		return nil, domain.ErrStaleVersion
	}
	switch iv.Status {
	case models.IntervalConfirmed:
		return iv, nil
	case models.IntervalCancelled:
		return nil, fmt.Errorf("interval %d is cancelled: %w", id, domain.ErrInvalidTransition)
	}
	iv.Status = models.IntervalConfirmed
	if err := updateIntervalTx(ctx, tx, iv, expectedVersion); err != nil {
		return nil, err
	}
	return iv, nil
}

// CancelInterval cancels an interval if it is still at expectedVersion.
// Cancelling an already cancelled row at that version is a no-op.
func (db *DB) CancelInterval(ctx context.Context, id, expectedVersion int64) (*models.Interval, error) {
	current, err := db.GetInterval(ctx, id)
	if err != nil {
		return nil, err
	}
	var iv *models.Interval
	err = db.withUnitTx(ctx, current.UnitID, func(tx *unitTx) error {
		var err error
		iv, err = cancelTx(ctx, tx, id, expectedVersion)
		return err
	})
	return iv, err
}

// ConfirmInterval promotes a tentative interval to confirmed.
func (db *DB) ConfirmInterval(ctx context.Context, id, expectedVersion int64) (*models.Interval, error) {
	current, err := db.GetInterval(ctx, id)
	if err != nil {
		return nil, err
	}
	var iv *models.Interval
	err = db.withUnitTx(ctx, current.UnitID, func(tx *unitTx) error {
		var err error
		iv, err = confirmTx(ctx, tx, id, expectedVersion)
		return err
	})
	return iv, err
}

// isMutationError reports errors that fail one mutation without aborting
// its batch.
func isMutationError(err error) bool {
	return domain.IsConflict(err) || domain.IsValidation(err) ||
		errors.Is(err, domain.ErrStaleVersion) || errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

// ApplyBatch applies a sync pass for one unit in a single serialized
// transaction. Cancellations run before upserts so that a moved event does
// not collide with its own old slot. Results are returned in input order.
func (db *DB) ApplyBatch(ctx context.Context, unitID string, mutations []models.Mutation) ([]models.MutationResult, error) {
	order := make([]int, len(mutations))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return mutations[order[a]].Kind == models.MutationCancel && mutations[order[b]].Kind != models.MutationCancel
	})

	results := make([]models.MutationResult, len(mutations))
	err := db.withUnitTx(ctx, unitID, func(tx *unitTx) error {
		for _, idx := range order {
			m := mutations[idx]
			res := models.MutationResult{Mutation: m}
			switch m.Kind {
			case models.MutationCancel:
				iv, err := cancelTx(ctx, tx, m.IntervalID, m.ExpectedVersion)
				res.Interval, res.Err = iv, err
				if err == nil {
					res.Outcome = models.OutcomeCancelled
				}
			case models.MutationUpsert:
				if m.Upsert.UnitID != unitID {
					res.Err = domain.NewValidationError("unit_id", "mutation belongs to another unit")
					break
				}
				up, err := upsertTx(ctx, tx, m.Upsert)
				res.Interval, res.Outcome, res.Err = up.Interval, up.Outcome, err
			default:
				res.Err = domain.NewValidationError("kind", fmt.Sprintf("unknown mutation %q", m.Kind))
			}
			if res.Err != nil && !isMutationError(res.Err) {
				return res.Err
			}
			results[idx] = res
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
