package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"staysync/internal/domain"
	"staysync/internal/models"
)

const cursorColumns = `unit_id, channel, feed_url, etag, last_modified, fingerprint, window_start, last_attempt_at,
                 last_success_at, consecutive_failures, degraded, last_error, next_sync_at`

func scanCursor(row rowScanner) (*models.SyncCursor, error) {
	var (
		c                   models.SyncCursor
		lastAttempt, lastOK sql.NullTime
	)
	err := row.Scan(&c.UnitID, &c.Channel, &c.FeedURL, &c.ETag, &c.LastModified, &c.Fingerprint, &c.WindowStart,
		&lastAttempt, &lastOK, &c.ConsecutiveFailures, &c.Degraded, &c.LastError, &c.NextSyncAt)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		c.LastAttemptAt = &t
	}
	if lastOK.Valid {
		t := lastOK.Time
		c.LastSuccessAt = &t
	}
	return &c, nil
}

// SeedCursor registers a configured channel. An existing cursor keeps its
// state; a changed feed url drops the cached validators.
func (db *DB) SeedCursor(ctx context.Context, c *models.SyncCursor) error {
	if c.NextSyncAt.IsZero() {
		c.NextSyncAt = db.now()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO sync_cursors (unit_id, channel, feed_url, next_sync_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT(unit_id, channel) DO UPDATE SET
                etag = CASE WHEN feed_url <> excluded.feed_url THEN '' ELSE etag END,
                last_modified = CASE WHEN feed_url <> excluded.feed_url THEN '' ELSE last_modified END,
                fingerprint = CASE WHEN feed_url <> excluded.feed_url THEN '' ELSE fingerprint END,
                window_start = CASE WHEN feed_url <> excluded.feed_url THEN '' ELSE window_start END,
                feed_url = excluded.feed_url`,
		c.UnitID, string(c.Channel), c.FeedURL, c.NextSyncAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to seed sync cursor: %w", err)
	}
	return nil
}

func (db *DB) GetCursor(ctx context.Context, unitID string, channel models.Source) (*models.SyncCursor, error) {
	row := db.QueryRowContext(ctx, `SELECT `+cursorColumns+` FROM sync_cursors WHERE unit_id = ? AND channel = ?`,
		unitID, string(channel))
	c, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cursor %s/%s: %w", unitID, channel, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return c, nil
}

func (db *DB) ListCursors(ctx context.Context) ([]models.SyncCursor, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+cursorColumns+` FROM sync_cursors ORDER BY unit_id, channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync cursors: %w", err)
	}
	defer rows.Close()

	var out []models.SyncCursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync cursor: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (db *DB) SaveCursor(ctx context.Context, c *models.SyncCursor) error {
	result, err := db.ExecContext(ctx, `UPDATE sync_cursors SET
                feed_url = ?, etag = ?, last_modified = ?, fingerprint = ?, window_start = ?, last_attempt_at = ?,
                last_success_at = ?, consecutive_failures = ?, degraded = ?, last_error = ?, next_sync_at = ?
            WHERE unit_id = ? AND channel = ?`,
		c.FeedURL, c.ETag, c.LastModified, c.Fingerprint, c.WindowStart, nullTime(c.LastAttemptAt),
		nullTime(c.LastSuccessAt), c.ConsecutiveFailures, c.Degraded, c.LastError, c.NextSyncAt.UTC(),
		c.UnitID, string(c.Channel))
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("cursor %s/%s: %w", c.UnitID, c.Channel, domain.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
