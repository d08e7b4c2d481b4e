package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FindWebsiteByHostname returns the website registered for hostname, or nil
// if there is none.
func (s *Storage) FindWebsiteByHostname(ctx context.Context, hostname string) (*Website, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	w, err := scanWebsite(s.stmtFindWebsite.QueryRowContext(ctx, hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query website by hostname: %w", err)
	}
	return w, nil
}

// ListWebsites returns every registered website ordered by hostname.
func (s *Storage) ListWebsites(ctx context.Context) ([]Website, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, hostname, created_at FROM websites ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("query websites: %w", err)
	}
	defer rows.Close()
	return collectWebsites(rows)
}

// ListWebsitesByActor returns the websites on which actorID holds role.
func (s *Storage) ListWebsitesByActor(ctx context.Context, actorID, role string) ([]Website, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.hostname, w.created_at
		FROM websites w
		JOIN user_roles r ON r.website_id = w.id
		WHERE r.user_id = ? AND r.role = ?
		ORDER BY w.hostname
	`, actorID, role)
	if err != nil {
		return nil, fmt.Errorf("query websites by actor: %w", err)
	}
	defer rows.Close()
	return collectWebsites(rows)
}

// CreateWebsite registers hostname under a new UUID.
func (s *Storage) CreateWebsite(ctx context.Context, hostname string) (*Website, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}

	var w *Website
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		w, err = insertWebsite(ctx, tx, hostname)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GrantRole gives actorID role on websiteID. Granting an existing role is a no-op.
func (s *Storage) GrantRole(ctx context.Context, actorID, websiteID, role string) error {
	if actorID == "" {
		return fmt.Errorf("actor is required")
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, website_id, role, created_at)
			SELECT ?, id, ?, ? FROM websites WHERE id = ?
			ON CONFLICT(user_id, website_id, role) DO NOTHING
		`, actorID, role, time.Now().Unix(), websiteID)
		if err != nil {
			return fmt.Errorf("grant role: %w", err)
		}
		return nil
	})
}

// ClaimWebsite makes actorID the admin of websiteID if nobody administers it
// yet, and reports whether actorID is an admin afterwards.
func (s *Storage) ClaimWebsite(ctx context.Context, actorID, websiteID string) (bool, error) {
	if actorID == "" {
		return false, fmt.Errorf("actor is required")
	}
	var admin bool
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, website_id, role, created_at)
			SELECT ?, id, ?, ? FROM websites
			WHERE id = ? AND NOT EXISTS (
				SELECT 1 FROM user_roles WHERE website_id = ? AND role = ?
			)
		`, actorID, RoleAdmin, time.Now().Unix(), websiteID, websiteID, RoleAdmin)
		if err != nil {
			return fmt.Errorf("claim website: %w", err)
		}
		var one int
		err = tx.QueryRowContext(ctx, `
			SELECT 1 FROM user_roles WHERE user_id = ? AND website_id = ? AND role = ?
		`, actorID, websiteID, RoleAdmin).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return fmt.Errorf("claim website: %w", err)
		}
		admin = true
		return nil
	})
	return admin, err
}

// ActorHasRole reports whether actorID holds role on websiteID.
func (s *Storage) ActorHasRole(ctx context.Context, actorID, websiteID, role string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var one int
	err := s.stmtHasRole.QueryRowContext(ctx, actorID, websiteID, role).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query role: %w", err)
	}
	return true, nil
}

func insertWebsite(ctx context.Context, tx *sql.Tx, hostname string) (*Website, error) {
	now := time.Now().UTC().Truncate(time.Second)
	w := &Website{ID: uuid.NewString(), Hostname: hostname, CreatedAt: now}
	_, err := tx.ExecContext(ctx, `INSERT INTO websites (id, hostname, created_at) VALUES (?, ?, ?)`,
		w.ID, w.Hostname, now.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("insert website %q: %w", hostname, ErrDuplicateHostname)
		}
		return nil, fmt.Errorf("insert website: %w", err)
	}
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebsite(row rowScanner) (*Website, error) {
	var w Website
	var created int64
	if err := row.Scan(&w.ID, &w.Hostname, &created); err != nil {
		return nil, err
	}
	w.CreatedAt = unixTime(created)
	return &w, nil
}

func collectWebsites(rows *sql.Rows) ([]Website, error) {
	var out []Website
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan website: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
