// Package postgres persists detections and weather observations in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/wildfire-etl/internal/adapter/sqlquery"
	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS fire_detections (
		id             BIGSERIAL PRIMARY KEY,
		latitude       DOUBLE PRECISION NOT NULL,
		longitude      DOUBLE PRECISION NOT NULL,
		confidence     DOUBLE PRECISION,
		confidence_lvl TEXT NOT NULL,
		satellite      TEXT NOT NULL,
		acq_datetime   TIMESTAMPTZ NOT NULL,
		daynight       TEXT NOT NULL,
		geom_wkt       TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		UNIQUE (latitude, longitude, acq_datetime)
	)`,
	`CREATE INDEX IF NOT EXISTS fire_detections_acq_idx ON fire_detections (acq_datetime)`,
	`CREATE TABLE IF NOT EXISTS weather_observations (
		id         BIGSERIAL PRIMARY KEY,
		fire_id    BIGINT NOT NULL REFERENCES fire_detections (id) ON DELETE CASCADE,
		obs_time   TIMESTAMPTZ NOT NULL,
		parameter  TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL,
		units      TEXT NOT NULL,
		source     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS weather_observations_fire_idx ON weather_observations (fire_id, obs_time)`,
}

// DBTX is the subset of *pgxpool.Pool and pgx.Tx the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements the pipeline and API persistence interfaces on a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	dialect sqlquery.Dialect
	now     func() time.Time
}

// Open connects to databaseURL, verifies the connection and ensures the
// schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool, dialect: sqlquery.Postgres, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveFireRecord inserts a detection (ID == 0) or updates it (ID > 0) and
// returns its id. An insert that collides with an existing natural key
// updates that row instead.
func (s *Store) SaveFireRecord(ctx context.Context, d domain.Detection) (int64, error) {
	now := s.clock()
	if d.ID > 0 {
		query, args, err := s.dialect.UpdateFire(d, now).ToSql()
		if err != nil {
			return 0, fmt.Errorf("build update: %w", err)
		}
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("update fire record %d: %w", d.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("update fire record %d: %w", d.ID, sqlquery.ErrNotFound)
		}
		return d.ID, nil
	}

	query, args, err := s.dialect.UpsertFire(d, now).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}
	var id int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
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
	d, err := scanDetection(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, query, args...)
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := s.insertObservations(ctx, tx, fireID, obs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit observations for fire %d: %w", fireID, err)
	}
	return stored, nil
}

func (s *Store) insertObservations(ctx context.Context, db DBTX, fireID int64, obs []domain.WeatherObservation) ([]domain.WeatherObservation, error) {
	now := s.clock()
	stored := make([]domain.WeatherObservation, len(obs))
	for i, o := range obs {
		o.FireID = fireID
		query, args, err := s.dialect.InsertObservation(o, now).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build insert: %w", err)
		}
		if err := db.QueryRow(ctx, query, args...).Scan(&o.ID); err != nil {
			return nil, fmt.Errorf("insert observation for fire %d: %w", fireID, err)
		}
		o.CreatedAt, o.UpdatedAt = now, now
		stored[i] = o
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
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	observations := []domain.WeatherObservation{}
	for rows.Next() {
		var o domain.WeatherObservation
		var param string
		if err := rows.Scan(&o.ID, &o.FireID, &o.ObservedAt, &param, &o.Value, &o.Unit, &o.Source, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Parameter = domain.Parameter(param)
		o.ObservedAt, o.CreatedAt, o.UpdatedAt = o.ObservedAt.UTC(), o.CreatedAt.UTC(), o.UpdatedAt.UTC()
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
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count observations for fire %d: %w", fireID, err)
	}
	return n, nil
}

// clock returns the current time at the precision TIMESTAMPTZ keeps.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func scanDetection(row pgx.Row) (domain.Detection, error) {
	var d domain.Detection
	if err := row.Scan(&d.ID, &d.Latitude, &d.Longitude, &d.Confidence, &d.ConfidenceLevel, &d.Satellite,
		&d.AcquiredAt, &d.DayNight, &d.GeomWKT, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Detection{}, err
	}
	d.AcquiredAt, d.CreatedAt, d.UpdatedAt = d.AcquiredAt.UTC(), d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return d, nil
}
