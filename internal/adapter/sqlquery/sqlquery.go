// Package sqlquery builds the detection and observation statements shared by
// the Postgres and SQLite stores. Drivers differ only in placeholder format and
// in how instants are encoded, both supplied through Dialect.
package sqlquery

import (
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

// ErrNotFound is returned when an update targets a row that does not exist.
var ErrNotFound = errors.New("record not found")

const (
	FireTable        = "fire_detections"
	ObservationTable = "weather_observations"
)

// FireColumns is the select list scanned by every store into domain.Detection.
var FireColumns = []string{
	"id", "latitude", "longitude", "confidence", "confidence_lvl", "satellite",
	"acq_datetime", "daynight", "geom_wkt", "created_at", "updated_at",
}

// ObservationColumns is the select list scanned into domain.WeatherObservation.
var ObservationColumns = []string{
	"id", "fire_id", "obs_time", "parameter", "value", "units", "source", "created_at", "updated_at",
}

// Dialect adapts the builders to one driver.
type Dialect struct {
	Builder sq.StatementBuilderType

	// Time converts an instant to the driver's column representation.
	Time func(time.Time) any
}

// Postgres uses $n placeholders and native TIMESTAMPTZ values.
var Postgres = Dialect{
	Builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	Time:    func(t time.Time) any { return t.UTC() },
}

// SQLite uses ? placeholders and stores instants as INTEGER Unix nanoseconds.
var SQLite = Dialect{
	Builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	Time:    func(t time.Time) any { return t.UnixNano() },
}

const upsertSuffix = `ON CONFLICT (latitude, longitude, acq_datetime) DO UPDATE SET
	confidence = excluded.confidence,
	confidence_lvl = excluded.confidence_lvl,
	satellite = excluded.satellite,
	daynight = excluded.daynight,
	geom_wkt = excluded.geom_wkt,
	updated_at = excluded.updated_at
RETURNING id`

// UpsertFire inserts det, or updates the row with the same natural key in place.
// The statement returns the row id.
func (d Dialect) UpsertFire(det domain.Detection, now time.Time) sq.InsertBuilder {
	return d.Builder.Insert(FireTable).
		Columns("latitude", "longitude", "confidence", "confidence_lvl", "satellite",
			"acq_datetime", "daynight", "geom_wkt", "created_at", "updated_at").
		Values(det.Latitude, det.Longitude, nullable(det.Confidence), det.ConfidenceLevel, det.Satellite,
			d.Time(det.AcquiredAt), det.DayNight, det.GeomWKT, d.Time(now), d.Time(now)).
		Suffix(upsertSuffix)
}

// UpdateFire rewrites every mutable column of the row with det.ID.
func (d Dialect) UpdateFire(det domain.Detection, now time.Time) sq.UpdateBuilder {
	return d.Builder.Update(FireTable).
		SetMap(map[string]any{
			"latitude":       det.Latitude,
			"longitude":      det.Longitude,
			"confidence":     nullable(det.Confidence),
			"confidence_lvl": det.ConfidenceLevel,
			"satellite":      det.Satellite,
			"acq_datetime":   d.Time(det.AcquiredAt),
			"daynight":       det.DayNight,
			"geom_wkt":       det.GeomWKT,
			"updated_at":     d.Time(now),
		}).
		Where(sq.Eq{"id": det.ID})
}

// FireByKey selects the detection with the given natural key.
func (d Dialect) FireByKey(key domain.DetectionKey) sq.SelectBuilder {
	return d.Builder.Select(FireColumns...).
		From(FireTable).
		Where(sq.Eq{
			"latitude":     key.Latitude,
			"longitude":    key.Longitude,
			"acq_datetime": d.Time(key.AcquiredAt),
		}).
		Limit(1)
}

// Fires selects detections matching f in insertion order.
func (d Dialect) Fires(f domain.FireFilter) sq.SelectBuilder {
	q := d.Builder.Select(FireColumns...).From(FireTable)

	if f.ConfidenceLevel != "" {
		q = q.Where(sq.Eq{"confidence_lvl": f.ConfidenceLevel})
	}
	if f.Satellite != "" {
		q = q.Where(sq.Eq{"satellite": f.Satellite})
	}
	if f.DayNight != "" {
		q = q.Where(sq.Eq{"daynight": f.DayNight})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"acq_datetime": d.Time(f.Since)})
	}
	if !f.Until.IsZero() {
		q = q.Where(sq.LtOrEq{"acq_datetime": d.Time(f.Until)})
	}
	if r := f.Region; r != nil {
		q = q.Where(sq.And{
			sq.GtOrEq{"latitude": r.LatMin},
			sq.LtOrEq{"latitude": r.LatMax},
			sq.GtOrEq{"longitude": r.LonMin},
			sq.LtOrEq{"longitude": r.LonMax},
		})
	}
	if f.Unenriched {
		q = q.Where("NOT EXISTS (SELECT 1 FROM " + ObservationTable + " o WHERE o.fire_id = " + FireTable + ".id)")
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	return q.OrderBy("id")
}

// InsertObservation inserts one observation row and returns its id.
func (d Dialect) InsertObservation(o domain.WeatherObservation, now time.Time) sq.InsertBuilder {
	return d.Builder.Insert(ObservationTable).
		Columns("fire_id", "obs_time", "parameter", "value", "units", "source", "created_at", "updated_at").
		Values(o.FireID, d.Time(o.ObservedAt), string(o.Parameter), o.Value, o.Unit, o.Source, d.Time(now), d.Time(now)).
		Suffix("RETURNING id")
}

// Observations selects observations, optionally for one detection, ordered by
// observation instant.
func (d Dialect) Observations(fireID *int64) sq.SelectBuilder {
	q := d.Builder.Select(ObservationColumns...).From(ObservationTable)
	if fireID != nil {
		q = q.Where(sq.Eq{"fire_id": *fireID})
	}
	return q.OrderBy("obs_time", "id")
}

// CountObservations counts the observations stored for one detection.
func (d Dialect) CountObservations(fireID int64) sq.SelectBuilder {
	return d.Builder.Select("COUNT(*)").From(ObservationTable).Where(sq.Eq{"fire_id": fireID})
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
