package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"staysync/internal/domain"
	"staysync/internal/models"
)

const anomalyColumns = `id, unit_id, source, external_uid, start_date, end_date, summary,
                 conflicting_ids, conflicting_sources, detected_at, resolved_at`

func scanAnomaly(row rowScanner) (*models.SyncAnomaly, error) {
	var (
		a               models.SyncAnomaly
		start, end      string
		idsRaw, srcsRaw string
		resolved        sql.NullTime
	)
	err := row.Scan(&a.ID, &a.UnitID, &a.Source, &a.ExternalUID, &start, &end, &a.Summary,
		&idsRaw, &srcsRaw, &a.DetectedAt, &resolved)
	if err != nil {
		return nil, err
	}
	if a.Range, err = models.ParseDateRange(start, end); err != nil {
		return nil, fmt.Errorf("failed to parse anomaly %d dates: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(idsRaw), &a.ConflictingIDs); err != nil {
		return nil, fmt.Errorf("failed to decode anomaly %d ids: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(srcsRaw), &a.ConflictingSources); err != nil {
		return nil, fmt.Errorf("failed to decode anomaly %d sources: %w", a.ID, err)
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

// RecordAnomaly stores an open anomaly. An open anomaly for the same
// (unit, source, external uid) is refreshed instead of duplicated.
func (db *DB) RecordAnomaly(ctx context.Context, a *models.SyncAnomaly) error {
	ids, err := json.Marshal(a.ConflictingIDs)
	if err != nil {
		return fmt.Errorf("encode conflicting ids: %w", err)
	}
	srcs, err := json.Marshal(a.ConflictingSources)
	if err != nil {
		return fmt.Errorf("encode conflicting sources: %w", err)
	}
	now := db.now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM sync_anomalies
            WHERE unit_id = ? AND source = ? AND external_uid = ? AND resolved_at IS NULL`,
		a.UnitID, string(a.Source), a.ExternalUID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		result, err := tx.ExecContext(ctx, `INSERT INTO sync_anomalies (
                    unit_id, source, external_uid, start_date, end_date, summary,
                    conflicting_ids, conflicting_sources, detected_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.UnitID, string(a.Source), a.ExternalUID, a.Range.StartString(), a.Range.EndString(),
			a.Summary, string(ids), string(srcs), now)
		if err != nil {
			return fmt.Errorf("failed to insert anomaly: %w", err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		a.DetectedAt = now
	case err != nil:
		return fmt.Errorf("failed to look up anomaly: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE sync_anomalies
                SET start_date = ?, end_date = ?, summary = ?, conflicting_ids = ?, conflicting_sources = ?
                WHERE id = ?`,
			a.Range.StartString(), a.Range.EndString(), a.Summary, string(ids), string(srcs), id)
		if err != nil {
			return fmt.Errorf("failed to refresh anomaly: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anomaly: %w", err)
	}
	a.ID = id
	return nil
}

// ResolveAnomaliesForKey closes open anomalies of one channel claim.
func (db *DB) ResolveAnomaliesForKey(ctx context.Context, unitID string, source models.Source, externalUID string) (int64, error) {
	result, err := db.ExecContext(ctx, `UPDATE sync_anomalies SET resolved_at = ?
            WHERE unit_id = ? AND source = ? AND external_uid = ? AND resolved_at IS NULL`,
		db.now(), unitID, string(source), externalUID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve anomalies: %w", err)
	}
	return result.RowsAffected()
}

func (db *DB) ResolveAnomaly(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `UPDATE sync_anomalies SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		db.now(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve anomaly: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("open anomaly %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListOpenAnomalies returns unresolved anomalies; an empty unitID lists all units.
func (db *DB) ListOpenAnomalies(ctx context.Context, unitID string) ([]models.SyncAnomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM sync_anomalies WHERE resolved_at IS NULL`
	var args []interface{}
	if unitID != "" {
		query += ` AND unit_id = ?`
		args = append(args, unitID)
	}
	query += ` ORDER BY unit_id, start_date, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var out []models.SyncAnomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
