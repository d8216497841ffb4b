package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
	"github.com/couchcryptid/wildfire-etl/internal/observability"
	"github.com/couchcryptid/wildfire-etl/internal/pipeline"
)

// --- fakes ---

type fakeFeed struct {
	feed domain.Feed
	err  error
}

func (f *fakeFeed) Fetch(context.Context) (domain.Feed, error) {
	return f.feed, f.err
}

type weatherCall struct {
	Lat, Lon float64
	Window   domain.Window
}

type fakeWeather struct {
	mu       sync.Mutex
	calls    []weatherCall
	payload  domain.PowerPayload
	failLat  map[float64]bool
	inflight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeWeather) Fetch(_ context.Context, lat, lon float64, w domain.Window) (domain.PowerPayload, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, weatherCall{Lat: lat, Lon: lon, Window: w})
	f.mu.Unlock()

	if f.failLat[lat] {
		return domain.PowerPayload{}, errors.New("power upstream error: status 503")
	}
	return f.payload, nil
}

func (f *fakeWeather) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memStore is an in-memory pipeline.Store.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	fires      []domain.Detection
	obs        map[int64][]domain.WeatherObservation
	saveErr    error
	ingestErr  map[int64]error
	pingErr    error
	saveCalls  int
	ingestCall int
}

func newMemStore() *memStore {
	return &memStore{obs: make(map[int64][]domain.WeatherObservation), ingestErr: make(map[int64]error)}
}

func (s *memStore) SaveFireRecord(_ context.Context, d domain.Detection) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	if d.ID > 0 {
		for i := range s.fires {
			if s.fires[i].ID == d.ID {
				s.fires[i] = d
				return d.ID, nil
			}
		}
		return 0, errors.New("record not found")
	}
	s.nextID++
	d.ID = s.nextID
	s.fires = append(s.fires, d)
	return d.ID, nil
}

func (s *memStore) FindFireRecord(_ context.Context, key domain.DetectionKey) (domain.Detection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.fires {
		if d.Key().Latitude == key.Latitude && d.Key().Longitude == key.Longitude && d.AcquiredAt.Equal(key.AcquiredAt) {
			return d, true, nil
		}
	}
	return domain.Detection{}, false, nil
}

func (s *memStore) GetFireRecords(_ context.Context, f domain.FireFilter) ([]domain.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Detection
	for _, d := range s.fires {
		if f.Unenriched && len(s.obs[d.ID]) > 0 {
			continue
		}
		if !f.Since.IsZero() && d.AcquiredAt.Before(f.Since) {
			continue
		}
		if f.Region != nil && !f.Region.Contains(d.Latitude, d.Longitude) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *memStore) IngestWeatherData(_ context.Context, fireID int64, obs []domain.WeatherObservation) ([]domain.WeatherObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestCall++
	if err := s.ingestErr[fireID]; err != nil {
		return nil, err
	}
	s.obs[fireID] = append(s.obs[fireID], obs...)
	return obs, nil
}

func (s *memStore) CountWeatherData(_ context.Context, fireID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.obs[fireID]), nil
}

func (s *memStore) Ping(context.Context) error {
	return s.pingErr
}

type fakePublisher struct {
	events []domain.DetectionEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, events []domain.DetectionEvent) error {
	p.events = append(p.events, events...)
	return p.err
}

// --- helpers ---

var runTime = time.Date(2024, 6, 1, 21, 0, 0, 0, time.UTC)

func row(lat, lon float64, confidence, date, hhmm string) domain.RawDetectionRow {
	return domain.RawDetectionRow{
		Latitude: lat, Longitude: lon, Confidence: confidence,
		Satellite: "N", AcqDate: date, AcqTime: hhmm, DayNight: "D",
	}
}

func hourlyPayload() domain.PowerPayload {
	t, ws := 21.5, 3.2
	return domain.PowerPayload{Properties: domain.PowerProperties{Parameter: map[string]map[string]*float64{
		"T2M":  {"2024060112": &t, "bogus": &t},
		"WS2M": {"2024060112": &ws},
	}}}
}

type harness struct {
	feed    *fakeFeed
	weather *fakeWeather
	store   *memStore
	metrics *observability.Metrics
	clock   *clockwork.FakeClock
}

func newHarness(rows ...domain.RawDetectionRow) *harness {
	return &harness{
		feed:    &fakeFeed{feed: domain.Feed{Rows: rows}},
		weather: &fakeWeather{payload: hourlyPayload(), failLat: map[float64]bool{}},
		store:   newMemStore(),
		metrics: observability.NewMetricsForTesting(),
		clock:   clockwork.NewFakeClockAt(runTime),
	}
}

func (h *harness) pipeline(opts pipeline.Options) *pipeline.Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return pipeline.New(h.feed, h.weather, h.store, opts, h.clock, logger, h.metrics)
}

// --- tests ---

func TestPipeline_Run_EndToEnd(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))

	sum, err := h.pipeline(pipeline.Options{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.store.fires, 1)
	d := h.store.fires[0]
	require.NotNil(t, d.Confidence)
	assert.Equal(t, 0.9, *d.Confidence)
	assert.Equal(t, "POINT(-100.0 40.0)", d.GeomWKT)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC), d.AcquiredAt)

	want := []weatherCall{{
		Lat: 40.0, Lon: -100.0,
		Window: domain.Window{
			Start: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC),
		},
	}}
	if diff := cmp.Diff(want, h.weather.calls); diff != "" {
		t.Errorf("weather calls mismatch (-want +got):\n%s", diff)
	}

	obs := h.store.obs[d.ID]
	require.Len(t, obs, 2)
	assert.Equal(t, domain.ParamTemperature, obs[0].Parameter)
	assert.Equal(t, 21.5, obs[0].Value)
	assert.Equal(t, "degC", obs[0].Unit)
	assert.Equal(t, domain.SourceNASAPower, obs[0].Source)
	assert.Equal(t, d.ID, obs[0].FireID)

	assert.Equal(t, 1, sum.Persisted)
	assert.Equal(t, 1, sum.Enriched)
	assert.Equal(t, 2, sum.Observations)
	assert.Equal(t, 1, sum.SkippedKeys)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WeatherKeysSkipped))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.PipelineRunning))
}

func TestPipeline_Run_FeedError(t *testing.T) {
	h := newHarness()
	h.feed.err = errors.New("firms upstream error: status 503")

	_, err := h.pipeline(pipeline.Options{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch detections")
	assert.Zero(t, h.store.saveCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("failed")))
}

func TestPipeline_Run_CleanFilterDedupe(t *testing.T) {
	h := newHarness(
		row(40.0, -100.0, "H", "2024-06-01", "1230"),
		row(40.0, -100.0, "L", "2024-06-01", "1230"),  // duplicate key, first wins
		row(41.0, -101.0, "M", "2024-06-01", "12:30"), // invalid time
		row(-33.9, 151.2, "H", "2024-06-01", "0100"),  // outside region
		row(83.0, -52.0, "L", "2024-06-01", "5"),      // boundary, included
	)
	h.feed.feed.Skipped = 2

	sum, err := h.pipeline(pipeline.Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.FeedRows)
	assert.Equal(t, 2, sum.Undecodable)
	assert.Equal(t, 1, sum.InvalidTimestamp)
	assert.Equal(t, 1, sum.OutsideRegion)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 2, sum.Persisted)

	require.Len(t, h.store.fires, 2)
	assert.Equal(t, "H", h.store.fires[0].ConfidenceLevel)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 5, 0, 0, time.UTC), h.store.fires[1].AcquiredAt)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RowsInvalid.WithLabelValues("undecodable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RowsInvalid.WithLabelValues("timestamp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DetectionsFiltered))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DetectionsDuplicate))
}

func TestPipeline_Run_UnknownConfidence(t *testing.T) {
	rows := []domain.RawDetectionRow{
		row(40.0, -100.0, "X", "2024-06-01", "1230"),
		row(41.0, -101.0, "h", "2024-06-01", "1230"),
	}

	t.Run("keep", func(t *testing.T) {
		h := newHarness(rows...)
		sum, err := h.pipeline(pipeline.Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, sum.UnknownConfidence)
		require.Len(t, h.store.fires, 2)
		assert.Nil(t, h.store.fires[0].Confidence)
		assert.Equal(t, "X", h.store.fires[0].ConfidenceLevel)
	})

	t.Run("drop", func(t *testing.T) {
		h := newHarness(rows...)
		sum, err := h.pipeline(pipeline.Options{DropUnknownConfidence: true}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, sum.UnknownConfidence)
		assert.Empty(t, h.store.fires)
		assert.Zero(t, h.weather.callCount())
	})
}

func TestPipeline_Run_WeatherFailureIsIsolated(t *testing.T) {
	h := newHarness(
		row(40.0, -100.0, "H", "2024-06-01", "1230"),
		row(45.0, -110.0, "M", "2024-06-01", "1300"),
		row(50.0, -120.0, "L", "2024-06-01", "1400"),
	)
	h.weather.failLat[45.0] = true

	sum, err := h.pipeline(pipeline.Options{}).Run(context.Background())
	require.NoError(t, err, "weather failures never fail the run")

	assert.Equal(t, 3, sum.Persisted)
	assert.Equal(t, 2, sum.Enriched)
	assert.Equal(t, 1, sum.WeatherFailures)
	assert.Equal(t, 3, h.weather.callCount())
	assert.Len(t, h.store.fires, 3, "detections stay persisted without weather")
	assert.Empty(t, h.store.obs[2])
}

func TestPipeline_Run_PersistDetectionErrorAborts(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))
	h.store.saveErr = errors.New("connection refused")

	_, err := h.pipeline(pipeline.Options{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist detection")
	assert.Zero(t, h.weather.callCount())
}

func TestPipeline_Run_ObservationErrorsJoined(t *testing.T) {
	h := newHarness(
		row(40.0, -100.0, "H", "2024-06-01", "1230"),
		row(45.0, -110.0, "M", "2024-06-01", "1300"),
		row(50.0, -120.0, "L", "2024-06-01", "1400"),
	)
	h.store.ingestErr[1] = errors.New("disk full")
	h.store.ingestErr[3] = errors.New("disk full")

	sum, err := h.pipeline(pipeline.Options{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fire 1")
	assert.Contains(t, err.Error(), "fire 3")
	assert.Equal(t, 3, h.store.ingestCall, "every detection is attempted")
	assert.Equal(t, 1, sum.Enriched)
	assert.Len(t, h.store.fires, 3, "no rollback of persisted detections")
}

func TestPipeline_Run_RerunReusesIDsAndSkipsEnriched(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))
	p := h.pipeline(pipeline.Options{})

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	sum, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.store.fires, 1)
	assert.Equal(t, 1, sum.AlreadyEnriched)
	assert.Equal(t, 1, h.weather.callCount(), "enriched detection is not correlated again")
	assert.Len(t, h.store.obs[1], 2)
}

func TestPipeline_Run_RetriesUnenrichedWithinLookback(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))
	h.weather.failLat[40.0] = true
	p := h.pipeline(pipeline.Options{RetryLookback: 48 * time.Hour})

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.store.obs[1])

	// Next run: feed no longer carries the detection, provider recovered.
	h.feed.feed = domain.Feed{}
	delete(h.weather.failLat, 40.0)
	h.clock.Advance(17 * time.Hour)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	assert.Equal(t, 1, sum.Enriched)
	assert.Len(t, h.store.obs[1], 2)
}

func TestPipeline_Run_RetrySkipsOutsideLookback(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))
	h.weather.failLat[40.0] = true
	p := h.pipeline(pipeline.Options{RetryLookback: 48 * time.Hour})

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	h.feed.feed = domain.Feed{}
	delete(h.weather.failLat, 40.0)
	h.clock.Advance(72 * time.Hour)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Retried)
	assert.Equal(t, 1, h.weather.callCount())
}

func TestPipeline_Run_EmptyPayloadRetriedWithinLookback(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))
	h.weather.payload = domain.PowerPayload{Properties: domain.PowerProperties{Parameter: map[string]map[string]*float64{
		"T2M": {"2024060112": nil},
	}}}
	p := h.pipeline(pipeline.Options{RetryLookback: 48 * time.Hour})

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Enriched)
	assert.Zero(t, sum.WeatherFailures)

	// Nothing was stored, so the detection stays eligible for the sweep.
	h.feed.feed = domain.Feed{}
	h.clock.Advance(12 * time.Hour)

	sum, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	assert.Equal(t, 2, h.weather.callCount())
}

func TestPipeline_Run_BoundedConcurrency(t *testing.T) {
	rows := make([]domain.RawDetectionRow, 0, 12)
	for i := range 12 {
		rows = append(rows, row(30.0+float64(i), -100.0, "H", "2024-06-01", "1230"))
	}
	h := newHarness(rows...)
	h.weather.delay = 10 * time.Millisecond

	sum, err := h.pipeline(pipeline.Options{Concurrency: 3}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, sum.Enriched)
	assert.LessOrEqual(t, h.weather.maxSeen.Load(), int32(3))
}

func TestPipeline_Run_SequentialByDefault(t *testing.T) {
	h := newHarness(
		row(40.0, -100.0, "H", "2024-06-01", "1230"),
		row(45.0, -110.0, "M", "2024-06-01", "1300"),
	)
	h.weather.delay = 5 * time.Millisecond

	_, err := h.pipeline(pipeline.Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.weather.maxSeen.Load())
	require.Len(t, h.weather.calls, 2)
	assert.Equal(t, 40.0, h.weather.calls[0].Lat)
	assert.Equal(t, 45.0, h.weather.calls[1].Lat)
}

func TestPipeline_Run_PublishesEnrichedDetections(t *testing.T) {
	h := newHarness(
		row(40.0, -100.0, "H", "2024-06-01", "1230"),
		row(45.0, -110.0, "M", "2024-06-01", "1300"),
	)
	h.weather.failLat[45.0] = true
	pub := &fakePublisher{}

	_, err := h.pipeline(pipeline.Options{Publisher: pub}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, int64(1), pub.events[0].ID)
	assert.Equal(t, 2, pub.events[0].ObservationCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsPublished.WithLabelValues("success")))
}

func TestPipeline_Run_PublishErrorDoesNotFailRun(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))
	pub := &fakePublisher{err: errors.New("broker unavailable")}

	_, err := h.pipeline(pipeline.Options{Publisher: pub}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsPublished.WithLabelValues("error")))
}

func TestPipeline_Run_ContextCancelled(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline(pipeline.Options{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.weather.callCount())
}

func TestPipeline_StageIdleAfterRun(t *testing.T) {
	h := newHarness(row(40.0, -100.0, "H", "2024-06-01", "1230"))
	p := h.pipeline(pipeline.Options{})
	assert.Equal(t, pipeline.StageIdle, p.Stage())

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageIdle, p.Stage())
	assert.Equal(t, "correlating_weather", pipeline.StageCorrelatingWeather.String())
}

func TestPipeline_CheckReadiness(t *testing.T) {
	h := newHarness()
	p := h.pipeline(pipeline.Options{})
	require.NoError(t, p.CheckReadiness(context.Background()))

	h.store.pingErr = errors.New("connection refused")
	err := p.CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}
