package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/wildfire-etl/internal/config"
	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

func TestSerializeToMessage(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 13, 0, 0, time.UTC)
	score := 0.6
	event := domain.DetectionEvent{
		Detection: domain.Detection{
			ID:              42,
			Latitude:        45.1,
			Longitude:       -110.2,
			Confidence:      &score,
			ConfidenceLevel: "M",
			Satellite:       "N",
			AcquiredAt:      at,
			DayNight:        "N",
			GeomWKT:         "POINT(-110.2 45.1)",
		},
		ObservationCount: 28,
	}

	msg, err := serializeToMessage(event)
	require.NoError(t, err)

	assert.Equal(t, []byte("42"), msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "satellite", msg.Headers[0].Key)
	assert.Equal(t, []byte("N"), msg.Headers[0].Value)
	assert.Equal(t, "acq_datetime", msg.Headers[1].Key)
	assert.Equal(t, []byte("2024-06-01T08:13:00Z"), msg.Headers[1].Value)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.InDelta(t, 42, body["id"], 0)
	assert.InDelta(t, 28, body["observation_count"], 0)
	assert.Equal(t, "M", body["confidence_lvl"])
	assert.Equal(t, "2024-06-01T08:13:00Z", body["acq_datetime"])
}

func TestSerializeToMessage_NullConfidence(t *testing.T) {
	event := domain.DetectionEvent{Detection: domain.Detection{ID: 1, ConfidenceLevel: "X"}}

	msg, err := serializeToMessage(event)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Value), `"confidence":null`)
}

func TestPublishEmptyIsNoop(t *testing.T) {
	w := NewWriter(&config.Config{KafkaBrokers: []string{"127.0.0.1:1"}, KafkaTopic: "unused"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.Publish(context.Background(), nil))
}
