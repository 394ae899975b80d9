// Package sqlite serves proximity candidates from a SQLite providers table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/l0p7/nearcache/internal/geo"
	"github.com/l0p7/nearcache/internal/proximity"
	"github.com/l0p7/nearcache/internal/record"
	_ "modernc.org/sqlite" // Register driver
)

// Filter keys understood by QueryCandidates.
const (
	FilterSpecialty = "specialty"
	FilterMinRating = "minRating"
	FilterAvailable = "available"
)

// ErrUnknownFilter is returned for filter keys the table cannot answer.
var ErrUnknownFilter = errors.New("sqlite: unsupported filter key")

// Provider is one row of the providers table.
type Provider struct {
	ID        string
	Name      string
	Specialty string
	Lat       float64
	Lng       float64
	Rating    float64
	Available bool
}

// Record converts the row into the shape returned to the proximity engine.
func (p Provider) Record() record.Record {
	return record.Record{
		ID:  p.ID,
		Lat: p.Lat,
		Lng: p.Lng,
		Attributes: map[string]any{
			"name":      p.Name,
			"specialty": p.Specialty,
			"rating":    p.Rating,
			"available": p.Available,
		},
	}
}

// Source implements proximity.DataSource over a SQLite database.
type Source struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and migrates it. The
// special path ":memory:" yields a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection keeps in-memory databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=30000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set busy timeout: %w", err)
	}

	s := &Source{db: db, logger: logger.With(slog.String("agent", "datasource_sqlite"))}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Source) Close() error {
	return s.db.Close()
}

func (s *Source) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			specialty TEXT NOT NULL DEFAULT '',
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			rating REAL NOT NULL DEFAULT 0,
			available BOOLEAN NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS providers_lat_lng ON providers (lat, lng);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec error: %w query: %s", err, q)
		}
	}
	return nil
}

// QueryCandidates returns the providers inside box that satisfy filter, in
// id order.
func (s *Source) QueryCandidates(ctx context.Context, box geo.BoundingBox, filter record.Filter) ([]record.Record, error) {
	where, args, err := buildWhere(box, filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, name, specialty, lat, lng, rating, available FROM providers WHERE ` +
		where + ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query candidates: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.Specialty, &p.Lat, &p.Lng, &p.Rating, &p.Available); err != nil {
			return nil, fmt.Errorf("sqlite: scan candidate: %w", err)
		}
		out = append(out, p.Record())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate candidates: %w", err)
	}
	s.logger.DebugContext(ctx, "sqlite candidates loaded", slog.Int("count", len(out)))
	return out, nil
}

func buildWhere(box geo.BoundingBox, filter record.Filter) (string, []any, error) {
	clauses := []string{"lat BETWEEN ? AND ?"}
	args := []any{box.MinLat, box.MaxLat}

	switch {
	case box.FullLongitude():
	case box.MinLng < -180:
		clauses = append(clauses, "(lng >= ? OR lng <= ?)")
		args = append(args, box.MinLng+360, box.MaxLng)
	case box.MaxLng > 180:
		clauses = append(clauses, "(lng >= ? OR lng <= ?)")
		args = append(args, box.MinLng, box.MaxLng-360)
	default:
		clauses = append(clauses, "lng BETWEEN ? AND ?")
		args = append(args, box.MinLng, box.MaxLng)
	}

	for key, value := range filter {
		switch key {
		case FilterSpecialty:
			v, err := toText(value)
			if err != nil {
				return "", nil, &proximity.FilterError{Key: key, Err: fmt.Errorf("sqlite: %w", err)}
			}
			clauses = append(clauses, "specialty = ?")
			args = append(args, v)
		case FilterMinRating:
			v, err := toFloat(value)
			if err != nil {
				return "", nil, &proximity.FilterError{Key: key, Err: fmt.Errorf("sqlite: %w", err)}
			}
			clauses = append(clauses, "rating >= ?")
			args = append(args, v)
		case FilterAvailable:
			v, err := toBool(value)
			if err != nil {
				return "", nil, &proximity.FilterError{Key: key, Err: fmt.Errorf("sqlite: %w", err)}
			}
			clauses = append(clauses, "available = ?")
			args = append(args, v)
		default:
			return "", nil, &proximity.FilterError{Key: key, Err: ErrUnknownFilter}
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// Upsert inserts or replaces a provider row. Cache invalidation is the
// caller's job.
func (s *Source) Upsert(ctx context.Context, p Provider) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("sqlite: provider id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, specialty, lat, lng, rating, available)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			specialty = excluded.specialty,
			lat = excluded.lat,
			lng = excluded.lng,
			rating = excluded.rating,
			available = excluded.available
	`, p.ID, p.Name, p.Specialty, p.Lat, p.Lng, p.Rating, p.Available)
	if err != nil {
		return fmt.Errorf("sqlite: upsert %q: %w", p.ID, err)
	}
	return nil
}

// SetAvailability flips the availability flag of an existing provider.
func (s *Source) SetAvailability(ctx context.Context, id string, available bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE providers SET available = ? WHERE id = ?`, available, id)
	if err != nil {
		return fmt.Errorf("sqlite: set availability %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: set availability %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: provider %q: %w", id, sql.ErrNoRows)
	}
	return nil
}
