package store

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"
)

// UpsertPlacement persists container geometry for a URL key.
func (s *Store) UpsertPlacement(ctx context.Context, urlKey string, p *Placement) error {
	if p == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO placements (url_key, left_px, top_px, width_px, height_px, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_key) DO UPDATE SET
		left_px = excluded.left_px, top_px = excluded.top_px,
		width_px = excluded.width_px, height_px = excluded.height_px,
		updated_at = excluded.updated_at`,
		urlKey, p.Left, p.Top, p.Width, p.Height, time.Now().UnixMilli())
	return err
}

// GetPlacement retrieves container geometry for a URL key. Returns nil when
// no placement has been recorded.
func (s *Store) GetPlacement(ctx context.Context, urlKey string) (*Placement, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT left_px, top_px, width_px, height_px FROM placements WHERE url_key = ?`,
		urlKey)
	var p Placement
	err := row.Scan(&p.Left, &p.Top, &p.Width, &p.Height)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PlacementKey normalizes a URL for placement lookup: lowercase host,
// no query or fragment, no trailing slash.
func PlacementKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/")
}
