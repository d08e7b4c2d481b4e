package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TouchSession extends the visitor's latest session when at is within idle of
// its end, and opens a new one otherwise.
func (s *Storage) TouchSession(ctx context.Context, websiteID, fp string, at time.Time, idle time.Duration) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return touchSession(ctx, tx, websiteID, fp, at, idle)
	})
}

func touchSession(ctx context.Context, tx *sql.Tx, websiteID, fp string, at time.Time, idle time.Duration) error {
	atMs := at.UTC().UnixMilli()
	var id, endMs int64
	err := tx.QueryRowContext(ctx, `
		SELECT id, end_ms FROM user_durations
		WHERE website_id = ? AND user_hash = ? AND end_ms >= ? AND start_ms <= ?
		ORDER BY end_ms DESC LIMIT 1
	`, websiteID, fp, atMs-idle.Milliseconds(), atMs).Scan(&id, &endMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_durations (website_id, user_hash, start_ms, end_ms) VALUES (?, ?, ?, ?)
		`, websiteID, fp, atMs, atMs)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("query session: %w", err)
	}

	if atMs <= endMs {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE user_durations SET end_ms = ? WHERE id = ?`, atMs, id); err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	return nil
}

// InsertSession records a complete session. Used by imports and tests.
func (s *Storage) InsertSession(ctx context.Context, sess Session) error {
	if sess.End.Before(sess.Start) {
		return fmt.Errorf("session ends before it starts")
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_durations (website_id, user_hash, start_ms, end_ms) VALUES (?, ?, ?, ?)
		`, sess.WebsiteID, sess.Fingerprint, sess.Start.UTC().UnixMilli(), sess.End.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// AverageSessionDuration returns the mean duration in seconds of sessions that
// start in [start, end). ok is false when there are none.
func (s *Storage) AverageSessionDuration(ctx context.Context, websiteID string, start, end time.Time) (avg float64, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var count int64
	var mean sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(end_ms - start_ms) FROM user_durations
		WHERE website_id = ? AND start_ms >= ? AND start_ms < ?
	`, websiteID, start.UTC().UnixMilli(), end.UTC().UnixMilli()).Scan(&count, &mean)
	if err != nil {
		return 0, false, fmt.Errorf("query session duration: %w", err)
	}
	if count == 0 || !mean.Valid {
		return 0, false, nil
	}
	return mean.Float64 / 1000, true, nil
}
