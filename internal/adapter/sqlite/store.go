// Package sqlite persists detections and weather observations in an embedded
// SQLite database, for single-node deployments and local runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/wildfire-etl/internal/adapter/sqlquery"
	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS fire_detections (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		latitude       REAL NOT NULL,
		longitude      REAL NOT NULL,
		confidence     REAL,
		confidence_lvl TEXT NOT NULL,
		satellite      TEXT NOT NULL,
		acq_datetime   INTEGER NOT NULL,
		daynight       TEXT NOT NULL,
		geom_wkt       TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		UNIQUE (latitude, longitude, acq_datetime)
	)`,
	`CREATE INDEX IF NOT EXISTS fire_detections_acq_idx ON fire_detections (acq_datetime)`,
	`CREATE TABLE IF NOT EXISTS weather_observations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		fire_id    INTEGER NOT NULL REFERENCES fire_detections (id) ON DELETE CASCADE,
		obs_time   INTEGER NOT NULL,
		parameter  TEXT NOT NULL,
		value      REAL NOT NULL,
		units      TEXT NOT NULL,
		source     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS weather_observations_fire_idx ON weather_observations (fire_id, obs_time)`,
}

// Store implements the pipeline and API persistence interfaces on SQLite.
// Instants are stored as Unix nanoseconds.
type Store struct {
	db      *sql.DB
	dialect sqlquery.Dialect
	now     func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: ensure dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return &Store{db: db, dialect: sqlquery.SQLite, now: time.Now}, nil
}

// Ping reports whether the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveFireRecord inserts a detection (ID == 0) or updates it (ID > 0) and
// returns its id. An insert that collides with an existing natural key
// updates that row instead.
func (s *Store) SaveFireRecord(ctx context.Context, d domain.Detection) (int64, error) {
	now := s.now()
	if d.ID > 0 {
		query, args, err := s.dialect.UpdateFire(d, now).ToSql()
		if err != nil {
			return 0, fmt.Errorf("build update: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("update fire record %d: %w", d.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("update fire record %d: %w", d.ID, sqlquery.ErrNotFound)
		}
		return d.ID, nil
	}

	query, args, err := s.dialect.UpsertFire(d, now).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert fire record: %w", err)
	}
	return id, nil
}

// FindFireRecord looks a detection up by its natural key.
func (s *Store) FindFireRecord(ctx context.Context, key domain.DetectionKey) (domain.Detection, bool, error) {
	query, args, err := s.dialect.FireByKey(key).ToSql()
	if err != nil {
		return domain.Detection{}, false, fmt.Errorf("build select: %w", err)
	}
	d, err := scanDetection(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Detection{}, false, nil
	}
	if err != nil {
		return domain.Detection{}, false, fmt.Errorf("find fire record: %w", err)
	}
	return d, true, nil
}

// GetFireRecords lists detections matching f in insertion order.
func (s *Store) GetFireRecords(ctx context.Context, f domain.FireFilter) ([]domain.Detection, error) {
	query, args, err := s.dialect.Fires(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fire records: %w", err)
	}
	defer rows.Close()

	detections := []domain.Detection{}
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fire record: %w", err)
		}
		detections = append(detections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fire records: %w", err)
	}
	return detections, nil
}

// IngestWeatherData stores the observations for one detection in a single
// transaction and returns them with ids assigned.
func (s *Store) IngestWeatherData(ctx context.Context, fireID int64, obs []domain.WeatherObservation) ([]domain.WeatherObservation, error) {
	if len(obs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	stored := make([]domain.WeatherObservation, len(obs))
	for i, o := range obs {
		o.FireID = fireID
		query, args, err := s.dialect.InsertObservation(o, now).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert: %w", err)
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&o.ID); err != nil {
			return nil, fmt.Errorf("insert observation for fire %d: %w", fireID, err)
		}
		o.CreatedAt, o.UpdatedAt = fromNanos(now.UnixNano()), fromNanos(now.UnixNano())
		stored[i] = o
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit observations for fire %d: %w", fireID, err)
	}
	return stored, nil
}

// RetrieveWeatherData lists observations, for one detection when fireID is
// non-nil, ordered by observation instant.
func (s *Store) RetrieveWeatherData(ctx context.Context, fireID *int64) ([]domain.WeatherObservation, error) {
	query, args, err := s.dialect.Observations(fireID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	observations := []domain.WeatherObservation{}
	for rows.Next() {
		var (
			o                         domain.WeatherObservation
			param                     string
			obsTime, created, updated int64
		)
		if err := rows.Scan(&o.ID, &o.FireID, &obsTime, &param, &o.Value, &o.Unit, &o.Source, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Parameter = domain.Parameter(param)
		o.ObservedAt, o.CreatedAt, o.UpdatedAt = fromNanos(obsTime), fromNanos(created), fromNanos(updated)
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return observations, nil
}

// CountWeatherData counts the observations stored for one detection.
func (s *Store) CountWeatherData(ctx context.Context, fireID int64) (int, error) {
	query, args, err := s.dialect.CountObservations(fireID).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count observations for fire %d: %w", fireID, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDetection(row scanner) (domain.Detection, error) {
	var (
		d                     domain.Detection
		confidence            sql.NullFloat64
		acq, created, updated int64
	)
	if err := row.Scan(&d.ID, &d.Latitude, &d.Longitude, &confidence, &d.ConfidenceLevel, &d.Satellite,
		&acq, &d.DayNight, &d.GeomWKT, &created, &updated); err != nil {
		return domain.Detection{}, err
	}
	if confidence.Valid {
		d.Confidence = &confidence.Float64
	}
	d.AcquiredAt, d.CreatedAt, d.UpdatedAt = fromNanos(acq), fromNanos(created), fromNanos(updated)
	return d, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
