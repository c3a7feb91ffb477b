package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"staysync/internal/domain"
	"staysync/internal/models"

	"github.com/mattn/go-sqlite3"
)

const reservationColumns = `id, unit_id, start_date, end_date, guest_count, idempotency_key, state,
                 interval_id, hold_deadline, reject_reason, version, created_at, updated_at`

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r          models.Reservation
		start, end string
		intervalID sql.NullInt64
		deadline   sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UnitID, &start, &end, &r.GuestCount, &r.IdempotencyKey, &r.State,
		&intervalID, &deadline, &r.RejectReason, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Range, err = models.ParseDateRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reservation %s dates: %w", r.ID, err)
	}
	r.IntervalID = intervalID.Int64
	if deadline.Valid {
		t := deadline.Time
		r.HoldDeadline = &t
	}
	return &r, nil
}

func collectReservations(rows *sql.Rows) ([]models.Reservation, error) {
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservations: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// InsertReservation stores a new REQUESTED reservation. A second active
// reservation with the same idempotency key fails with ErrRequestInProgress.
func (db *DB) InsertReservation(ctx context.Context, r *models.Reservation) error {
	now := db.now()
	if r.State == "" {
		r.State = models.StateRequested
	}
	_, err := db.ExecContext(ctx, `INSERT INTO reservations (
                id, unit_id, start_date, end_date, guest_count, idempotency_key, state,
                reject_reason, version, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		r.ID, r.UnitID, r.Range.StartString(), r.Range.EndString(), r.GuestCount, r.IdempotencyKey,
		string(r.State), r.RejectReason, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %q: %w", r.IdempotencyKey, domain.ErrRequestInProgress)
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (db *DB) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// GetReservationByKey returns the reservation currently holding key.
func (db *DB) GetReservationByKey(ctx context.Context, key string) (*models.Reservation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations
            WHERE idempotency_key = ? AND state IN (?, ?, ?)`,
		key, string(models.StateRequested), string(models.StateReserved), string(models.StateConfirmed))
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation with key %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation by key: %w", err)
	}
	return r, nil
}

func getReservationTx(ctx context.Context, tx *unitTx, id string) (*models.Reservation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation in tx: %w", err)
	}
	return r, nil
}

func markReservedTx(ctx context.Context, tx *unitTx, reservationID string, intervalID int64, deadline time.Time) error {
	result, err := tx.ExecContext(ctx, `UPDATE reservations
            SET state = ?, interval_id = ?, hold_deadline = ?, version = version + 1, updated_at = ?
            WHERE id = ? AND state = ?`,
		string(models.StateReserved), intervalID, deadline.UTC(), tx.now, reservationID, string(models.StateRequested))
	if err != nil {
		return fmt.Errorf("failed to mark reservation reserved: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("reservation %s is not REQUESTED: %w", reservationID, domain.ErrInvalidTransition)
	}
	return nil
}

func updateReservationStateTx(ctx context.Context, tx *unitTx, r *models.Reservation, to models.ReservationState, reason string) error {
	result, err := tx.ExecContext(ctx, `UPDATE reservations
            SET state = ?, reject_reason = ?, version = version + 1, updated_at = ?
            WHERE id = ? AND version = ?`,
		string(to), reason, tx.now, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update reservation state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrStaleVersion
	}
	r.State = to
	r.RejectReason = reason
	r.Version++
	r.UpdatedAt = tx.now
	return nil
}

// TransitionReservation moves a reservation between states and applies the
// matching interval action in the same unit transaction.
func (db *DB) TransitionReservation(ctx context.Context, t models.Transition) (*models.Reservation, error) {
	current, err := db.GetReservation(ctx, t.ReservationID)
	if err != nil {
		return nil, err
	}

	var out *models.Reservation
	err = db.withUnitTx(ctx, current.UnitID, func(tx *unitTx) error {
		r, err := getReservationTx(ctx, tx, t.ReservationID)
		if err != nil {
			return err
		}
		if r.State == t.To {
			out = r
			return nil
		}
		if !t.Allows(r.State) {
			return fmt.Errorf("reservation %s %s -> %s: %w", r.ID, r.State, t.To, domain.ErrInvalidTransition)
		}
		if t.ExpectedVersion != nil && *t.ExpectedVersion != r.Version {
			return domain.ErrStaleVersion
		}
		if !t.HoldValidAt.IsZero() && r.HoldDeadline != nil && !t.HoldValidAt.Before(*r.HoldDeadline) {
			return domain.ErrHoldExpired
		}

		if t.Action != models.IntervalKeep && r.IntervalID != 0 {
			iv, err := getIntervalTx(ctx, tx, r.IntervalID)
			if err != nil {
				return err
			}
			switch t.Action {
			case models.IntervalConfirm:
				_, err = confirmTx(ctx, tx, iv.ID, iv.Version)
			case models.IntervalCancel:
				_, err = cancelTx(ctx, tx, iv.ID, iv.Version)
			}
			if err != nil {
				return err
			}
		}

		if err := updateReservationStateTx(ctx, tx, r, t.To, t.Reason); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListExpiredHolds returns RESERVED reservations whose hold deadline passed.
func (db *DB) ListExpiredHolds(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
            WHERE state = ? AND hold_deadline IS NOT NULL AND hold_deadline <= ?
            ORDER BY hold_deadline ASC`,
		string(models.StateReserved), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	return collectReservations(rows)
}

// ListStaleRequested returns REQUESTED reservations created before the cutoff.
func (db *DB) ListStaleRequested(ctx context.Context, before time.Time) ([]models.Reservation, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
            WHERE state = ? AND created_at < ?
            ORDER BY created_at ASC`,
		string(models.StateRequested), before.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale requests: %w", err)
	}
	return collectReservations(rows)
}

// ListReservations returns reservations of a unit overlapping r.
func (db *DB) ListReservations(ctx context.Context, unitID string, r models.DateRange) ([]models.Reservation, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
            WHERE unit_id = ? AND start_date < ? AND end_date > ?
            ORDER BY start_date ASC, created_at ASC`,
		unitID, r.EndString(), r.StartString())
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return collectReservations(rows)
}

// RejectStaleRequested rejects a REQUESTED reservation left behind by a crash
// and cancels any interval that still references it.
func (db *DB) RejectStaleRequested(ctx context.Context, id, reason string) (*models.Reservation, error) {
	current, err := db.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *models.Reservation
	err = db.withUnitTx(ctx, current.UnitID, func(tx *unitTx) error {
		r, err := getReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.State != models.StateRequested {
			return fmt.Errorf("reservation %s is %s: %w", r.ID, r.State, domain.ErrInvalidTransition)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+intervalColumns+` FROM intervals
                WHERE unit_id = ? AND source = ? AND reference = ? AND status <> ?`,
			r.UnitID, string(models.SourceInternal), r.ID, string(models.IntervalCancelled))
		if err != nil {
			return fmt.Errorf("failed to find orphaned intervals: %w", err)
		}
		orphans, err := collectIntervals(rows)
		if err != nil {
			return err
		}
		for _, iv := range orphans {
			if _, err := cancelTx(ctx, tx, iv.ID, iv.Version); err != nil {
				return err
			}
		}

		if err := updateReservationStateTx(ctx, tx, r, models.StateRejected, reason); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
