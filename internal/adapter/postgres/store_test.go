//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/wildfire-etl/internal/adapter/sqlquery"
	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

// openTestStore connects to DATABASE_URL and empties both tables.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, "TRUNCATE fire_detections, weather_observations RESTART IDENTITY")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func detection(lat, lon float64, at time.Time, level string) domain.Detection {
	d := domain.Detection{
		Latitude:        lat,
		Longitude:       lon,
		ConfidenceLevel: level,
		Satellite:       "N",
		AcquiredAt:      at,
		DayNight:        "D",
		GeomWKT:         domain.PointWKT(lat, lon),
	}
	if score, ok := domain.ConfidenceScore(level); ok {
		d.Confidence = &score
	}
	return d
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 21, 0, 0, 123456789, time.UTC)
	s.now = func() time.Time { return now }
	at := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	id, err := s.SaveFireRecord(ctx, detection(40, -100, at, "H"))
	require.NoError(t, err)

	again, err := s.SaveFireRecord(ctx, detection(40, -100, at, "L"))
	require.NoError(t, err)
	assert.Equal(t, id, again, "natural key conflict updates the existing row")

	got, ok, err := s.FindFireRecord(ctx, domain.DetectionKey{Latitude: 40, Longitude: -100, AcquiredAt: at})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "L", got.ConfidenceLevel)
	assert.Equal(t, at, got.AcquiredAt)
	assert.Equal(t, now.Truncate(time.Microsecond), got.CreatedAt)

	_, err = s.IngestWeatherData(ctx, id, []domain.WeatherObservation{
		{ObservedAt: at.Add(-time.Hour), Parameter: domain.ParamTemperature, Value: 20, Unit: "degC", Source: domain.SourceNASAPower},
		{ObservedAt: at.Add(-2 * time.Hour), Parameter: domain.ParamTemperature, Value: 19, Unit: "degC", Source: domain.SourceNASAPower},
	})
	require.NoError(t, err)

	obs, err := s.RetrieveWeatherData(ctx, &id)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.True(t, obs[0].ObservedAt.Before(obs[1].ObservedAt))

	unenriched, err := s.GetFireRecords(ctx, domain.FireFilter{Unenriched: true})
	require.NoError(t, err)
	assert.Empty(t, unenriched)

	missing := detection(1, 1, at, "H")
	missing.ID = 9999
	_, err = s.SaveFireRecord(ctx, missing)
	require.ErrorIs(t, err, sqlquery.ErrNotFound)

	require.NoError(t, s.Ping(ctx))
}
