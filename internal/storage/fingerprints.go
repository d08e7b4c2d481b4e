package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ListFingerprints returns every visitor fingerprint recorded for websiteID.
func (s *Storage) ListFingerprints(ctx context.Context, websiteID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM user_hashes WHERE website_id = ?`, websiteID)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HasFingerprint reports whether fp has been recorded for websiteID.
func (s *Storage) HasFingerprint(ctx context.Context, websiteID, fp string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var one int
	err := s.stmtHasFingerprint.QueryRowContext(ctx, websiteID, fp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query fingerprint: %w", err)
	}
	return true, nil
}

// InsertFingerprint records fp for websiteID. It reports false when the
// fingerprint was already present.
func (s *Storage) InsertFingerprint(ctx context.Context, websiteID, fp string) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		inserted, err = insertFingerprint(ctx, tx, websiteID, fp)
		return err
	})
	return inserted, err
}

func insertFingerprint(ctx context.Context, tx *sql.Tx, websiteID, fp string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO user_hashes (website_id, hash, created_at) VALUES (?, ?, ?)
		ON CONFLICT(website_id, hash) DO NOTHING
	`, websiteID, fp, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordVisit stores one consumed page view atomically: the fingerprint
// insert, the bucket merge and the session update commit together or not at
// all. Unless v.Returning is set, the fingerprint insert decides whether the
// view counts as unique.
func (s *Storage) RecordVisit(ctx context.Context, v Visit) (unique bool, err error) {
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		unique = false
		if !v.Returning {
			inserted, err := insertFingerprint(ctx, tx, v.WebsiteID, v.Fingerprint)
			if err != nil {
				return err
			}
			unique = inserted
		}
		pv := v.PageView
		pv.Unique = unique
		if err := mergeBucket(ctx, tx, pv); err != nil {
			return err
		}
		return touchSession(ctx, tx, v.WebsiteID, v.Fingerprint, v.Timestamp, v.IdleTimeout)
	})
	if err != nil {
		return false, err
	}
	return unique, nil
}
