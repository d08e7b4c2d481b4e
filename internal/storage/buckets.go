package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// MergePageView folds pv into its hourly bucket, creating the bucket on first use.
func (s *Storage) MergePageView(ctx context.Context, pv PageView) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return mergeBucket(ctx, tx, pv)
	})
}

func mergeBucket(ctx context.Context, tx *sql.Tx, pv PageView) error {
	hour := pv.Timestamp.UTC().Truncate(time.Hour).Unix()
	unique := 0
	if pv.Unique {
		unique = 1
	}

	tallies := [4]map[string]int64{}
	var raw [4]string
	err := tx.QueryRowContext(ctx, `
		SELECT referrers, pages, country_codes, browsers
		FROM hourly_page_views WHERE website_id = ? AND hour = ?
	`, pv.WebsiteID, hour).Scan(&raw[0], &raw[1], &raw[2], &raw[3])
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query bucket: %w", err)
	}
	for i := range tallies {
		tallies[i] = map[string]int64{}
		if raw[i] == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw[i]), &tallies[i]); err != nil {
			return fmt.Errorf("decode bucket tally: %w", err)
		}
	}

	for i, key := range []string{pv.Referrer, pv.Page, pv.CountryCode, pv.Browser} {
		if key != "" {
			tallies[i][key]++
		}
	}

	var encoded [4][]byte
	for i := range tallies {
		if encoded[i], err = json.Marshal(tallies[i]); err != nil {
			return fmt.Errorf("encode bucket tally: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO hourly_page_views (website_id, hour, views, unique_views, referrers, pages, country_codes, browsers)
VALUES (?, ?, 1, ?, ?, ?, ?, ?)
ON CONFLICT(website_id, hour) DO UPDATE SET
	views = views + 1,
	unique_views = unique_views + excluded.unique_views,
	referrers = excluded.referrers,
	pages = excluded.pages,
	country_codes = excluded.country_codes,
	browsers = excluded.browsers
`, pv.WebsiteID, hour, unique, string(encoded[0]), string(encoded[1]), string(encoded[2]), string(encoded[3]))
	if err != nil {
		return fmt.Errorf("upsert bucket: %w", err)
	}
	return nil
}

// HourlyViews returns view counts per hour in [start, end), ascending.
// Hours without a bucket are omitted.
func (s *Storage) HourlyViews(ctx context.Context, websiteID string, start, end time.Time) ([]HourlyCount, error) {
	return s.hourlySeries(ctx, "views", websiteID, start, end)
}

// HourlyUniqueViews returns unique visitor counts per hour in [start, end), ascending.
func (s *Storage) HourlyUniqueViews(ctx context.Context, websiteID string, start, end time.Time) ([]HourlyCount, error) {
	return s.hourlySeries(ctx, "unique_views", websiteID, start, end)
}

func (s *Storage) hourlySeries(ctx context.Context, column, websiteID string, start, end time.Time) ([]HourlyCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT hour, %s FROM hourly_page_views
		WHERE website_id = ? AND hour >= ? AND hour < ?
		ORDER BY hour ASC
	`, column), websiteID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query hourly %s: %w", column, err)
	}
	defer rows.Close()

	var out []HourlyCount
	for rows.Next() {
		var hour, n int64
		if err := rows.Scan(&hour, &n); err != nil {
			return nil, fmt.Errorf("scan hourly %s: %w", column, err)
		}
		out = append(out, HourlyCount{Hour: unixTime(hour), Count: n})
	}
	return out, rows.Err()
}

// TotalViews sums views over [start, end).
func (s *Storage) TotalViews(ctx context.Context, websiteID string, start, end time.Time) (int64, error) {
	return s.total(ctx, "views", websiteID, start, end)
}

// TotalUniqueViews sums unique views over [start, end).
func (s *Storage) TotalUniqueViews(ctx context.Context, websiteID string, start, end time.Time) (int64, error) {
	return s.total(ctx, "unique_views", websiteID, start, end)
}

func (s *Storage) total(ctx context.Context, column, websiteID string, start, end time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(SUM(%s), 0) FROM hourly_page_views
		WHERE website_id = ? AND hour >= ? AND hour < ?
	`, column), websiteID, start.Unix(), end.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query total %s: %w", column, err)
	}
	return n, nil
}

// DimensionTotals sums the tally for dim per key over [start, end), ordered
// by ascending count and then key.
func (s *Storage) DimensionTotals(ctx context.Context, websiteID string, dim Dimension, start, end time.Time) ([]DimensionCount, error) {
	column, ok := dim.column()
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dim)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT j.key, SUM(j.value) AS total
		FROM hourly_page_views h, json_each(h.%s) j
		WHERE h.website_id = ? AND h.hour >= ? AND h.hour < ?
		GROUP BY j.key
		ORDER BY total ASC, j.key ASC
	`, column), websiteID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query %s totals: %w", dim, err)
	}
	defer rows.Close()

	var out []DimensionCount
	for rows.Next() {
		var dc DimensionCount
		if err := rows.Scan(&dc.Key, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan %s total: %w", dim, err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}
