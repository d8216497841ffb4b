package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
	"github.com/couchcryptid/wildfire-etl/internal/observability"
)

// FeedFetcher downloads the current detection feed.
type FeedFetcher interface {
	Fetch(ctx context.Context) (domain.Feed, error)
}

// WeatherFetcher returns the raw provider payload for a point and window.
type WeatherFetcher interface {
	Fetch(ctx context.Context, lat, lon float64, w domain.Window) (domain.PowerPayload, error)
}

// Store persists detections and their observations.
type Store interface {
	SaveFireRecord(ctx context.Context, d domain.Detection) (int64, error)
	FindFireRecord(ctx context.Context, key domain.DetectionKey) (domain.Detection, bool, error)
	GetFireRecords(ctx context.Context, f domain.FireFilter) ([]domain.Detection, error)
	IngestWeatherData(ctx context.Context, fireID int64, obs []domain.WeatherObservation) ([]domain.WeatherObservation, error)
	CountWeatherData(ctx context.Context, fireID int64) (int, error)
	Ping(ctx context.Context) error
}

// Publisher emits enriched detections downstream.
type Publisher interface {
	Publish(ctx context.Context, events []domain.DetectionEvent) error
}

// Options tunes a Pipeline. Zero values fall back to the defaults noted.
type Options struct {
	Region      domain.Region      // default domain.NorthAmerica
	HalfWindow  time.Duration      // default domain.DefaultHalfWindow
	Parameters  []domain.Parameter // default domain.DefaultParameters
	Concurrency int                // weather requests in flight, default 1

	DropUnknownConfidence bool

	// RetryLookback bounds the sweep that re-enriches stored detections
	// without observations. Zero disables the sweep.
	RetryLookback time.Duration

	// Publisher is optional.
	Publisher Publisher
}

// Summary describes one completed run.
type Summary struct {
	RunID             string
	FeedRows          int
	Undecodable       int
	InvalidTimestamp  int
	UnknownConfidence int
	OutsideRegion     int
	Duplicates        int
	Persisted         int
	AlreadyEnriched   int
	Retried           int
	Enriched          int
	Observations      int
	WeatherFailures   int
	SkippedKeys       int
}

// Pipeline orchestrates one fetch-clean-filter-persist-correlate run.
type Pipeline struct {
	feed    FeedFetcher
	weather WeatherFetcher
	store   Store
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	stage   atomic.Int32
}

// New creates a Pipeline with the given collaborators and observability.
func New(feed FeedFetcher, weather WeatherFetcher, store Store, opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if opts.Region == (domain.Region{}) {
		opts.Region = domain.NorthAmerica
	}
	if opts.HalfWindow <= 0 {
		opts.HalfWindow = domain.DefaultHalfWindow
	}
	if len(opts.Parameters) == 0 {
		opts.Parameters = domain.DefaultParameters
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Pipeline{
		feed:    feed,
		weather: weather,
		store:   store,
		opts:    opts,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Stage reports what the pipeline is doing right now.
func (p *Pipeline) Stage() Stage {
	return Stage(p.stage.Load())
}

// CheckReadiness returns nil when the store is reachable.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

// Run executes one complete run. It fails when the feed cannot be fetched or
// a detection cannot be persisted; weather failures only skip the affected
// detection. Observation persistence failures are joined and returned after
// every detection was attempted. Callers must not invoke Run concurrently.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", sum.RunID)
	start := p.clock.Now()

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	defer p.setStage(logger, StageIdle)

	logger.Info("pipeline run started")
	err := p.run(ctx, logger, &sum)
	p.metrics.RunDuration.Observe(p.clock.Since(start).Seconds())

	if err != nil {
		p.metrics.RunsTotal.WithLabelValues("failed").Inc()
		logger.Error("pipeline run failed", "error", err, "duration", p.clock.Since(start))
		return sum, err
	}
	p.metrics.RunsTotal.WithLabelValues("success").Inc()
	logger.Info("pipeline run finished",
		"duration", p.clock.Since(start),
		"feed_rows", sum.FeedRows,
		"persisted", sum.Persisted,
		"enriched", sum.Enriched,
		"observations", sum.Observations,
		"weather_failures", sum.WeatherFailures,
	)
	return sum, nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, sum *Summary) error {
	p.setStage(logger, StageFetching)
	feed, err := p.feed.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch detections: %w", err)
	}
	sum.FeedRows, sum.Undecodable = len(feed.Rows), feed.Skipped
	p.metrics.FeedRows.Add(float64(len(feed.Rows)))
	p.metrics.RowsInvalid.WithLabelValues("undecodable").Add(float64(feed.Skipped))

	p.setStage(logger, StageCleaning)
	cleaned := domain.Clean(feed.Rows, domain.CleanOptions{DropUnknownConfidence: p.opts.DropUnknownConfidence})
	sum.InvalidTimestamp, sum.UnknownConfidence = cleaned.InvalidTimestamp, cleaned.UnknownConfidence
	p.metrics.RowsInvalid.WithLabelValues("timestamp").Add(float64(cleaned.InvalidTimestamp))
	p.metrics.RowsInvalid.WithLabelValues("unknown_confidence").Add(float64(cleaned.UnknownConfidence))
	logger.Info("feed cleaned",
		"rows", len(feed.Rows),
		"undecodable", feed.Skipped,
		"invalid_timestamp", cleaned.InvalidTimestamp,
		"unknown_confidence", cleaned.UnknownConfidence,
		"unknown_confidence_dropped", p.opts.DropUnknownConfidence,
	)

	p.setStage(logger, StageFilteringDedup)
	inRegion := domain.FilterRegion(cleaned.Detections, p.opts.Region)
	unique, dups := domain.Dedupe(inRegion)
	sum.OutsideRegion, sum.Duplicates = len(cleaned.Detections)-len(inRegion), dups
	p.metrics.DetectionsFiltered.Add(float64(sum.OutsideRegion))
	p.metrics.DetectionsDuplicate.Add(float64(dups))

	p.setStage(logger, StagePersistingDetections)
	pending, err := p.persistDetections(ctx, unique, sum)
	if err != nil {
		return err
	}
	pending = p.appendUnenriched(ctx, logger, pending, sum)

	p.setStage(logger, StageCorrelatingWeather)
	events, err := p.correlate(ctx, logger, pending, sum)

	if len(events) > 0 && p.opts.Publisher != nil {
		p.publish(ctx, logger, events)
	}
	return err
}

// persistDetections stores each detection, reusing the id of a row with the
// same natural key, and returns the ones that still need weather.
func (p *Pipeline) persistDetections(ctx context.Context, detections []domain.Detection, sum *Summary) ([]domain.Detection, error) {
	pending := make([]domain.Detection, 0, len(detections))
	for _, d := range detections {
		existing, found, err := p.store.FindFireRecord(ctx, d.Key())
		if err != nil {
			return nil, fmt.Errorf("look up detection: %w", err)
		}
		if found {
			d.ID = existing.ID
		}

		id, err := p.store.SaveFireRecord(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("persist detection at %v,%v %s: %w", d.Latitude, d.Longitude, d.AcquiredAt.Format(time.RFC3339), err)
		}
		d.ID = id
		sum.Persisted++
		p.metrics.DetectionsPersisted.Inc()

		if found {
			n, err := p.store.CountWeatherData(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("count observations for fire %d: %w", id, err)
			}
			if n > 0 {
				sum.AlreadyEnriched++
				continue
			}
		}
		pending = append(pending, d)
	}
	return pending, nil
}

// appendUnenriched adds stored detections from earlier runs whose enrichment
// failed, within the retry lookback.
func (p *Pipeline) appendUnenriched(ctx context.Context, logger *slog.Logger, pending []domain.Detection, sum *Summary) []domain.Detection {
	if p.opts.RetryLookback <= 0 {
		return pending
	}

	stale, err := p.store.GetFireRecords(ctx, domain.FireFilter{
		Since:      p.clock.Now().Add(-p.opts.RetryLookback),
		Region:     &p.opts.Region,
		Unenriched: true,
	})
	if err != nil {
		logger.Warn("unenriched sweep failed", "error", err)
		return pending
	}

	queued := make(map[int64]struct{}, len(pending))
	for _, d := range pending {
		queued[d.ID] = struct{}{}
	}
	for _, d := range stale {
		if _, ok := queued[d.ID]; ok {
			continue
		}
		pending = append(pending, d)
		sum.Retried++
	}
	if sum.Retried > 0 {
		logger.Info("retrying weather enrichment", "detections", sum.Retried)
	}
	return pending
}

// correlate enriches detections with at most Options.Concurrency weather
// requests in flight. A failure for one detection never stops the others.
func (p *Pipeline) correlate(ctx context.Context, logger *slog.Logger, detections []domain.Detection, sum *Summary) ([]domain.DetectionEvent, error) {
	var (
		mu     sync.Mutex
		events []domain.DetectionEvent
		errs   []error
	)

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, d := range detections {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := p.enrich(ctx, logger, d)

			mu.Lock()
			defer mu.Unlock()
			sum.SkippedKeys += res.skippedKeys
			switch {
			case res.weatherErr != nil:
				sum.WeatherFailures++
			case err != nil:
				errs = append(errs, err)
			case len(res.stored) > 0:
				sum.Enriched++
				sum.Observations += len(res.stored)
				events = append(events, domain.DetectionEvent{Detection: d, ObservationCount: len(res.stored)})
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("weather correlation interrupted: %w", err))
	}
	return events, errors.Join(errs...)
}

type enrichResult struct {
	stored      []domain.WeatherObservation
	skippedKeys int
	weatherErr  error
}

// enrich runs FetchWeather, Reshape and PersistObservations for one detection.
// The returned error is set only for persistence failures.
func (p *Pipeline) enrich(ctx context.Context, logger *slog.Logger, d domain.Detection) (enrichResult, error) {
	var res enrichResult
	log := logger.With("fire_id", d.ID)
	window := d.Window(p.opts.HalfWindow)

	payload, err := p.weather.Fetch(ctx, d.Latitude, d.Longitude, window)
	if err != nil {
		log.Warn("weather fetch failed, detection left unenriched",
			"error", err,
			"window_start", window.Start,
			"window_end", window.End,
		)
		res.weatherErr = err
		return res, nil
	}

	reshaped := domain.Reshape(d.ID, payload, p.opts.Parameters)
	res.skippedKeys = len(reshaped.SkippedKeys)
	p.metrics.WeatherKeysSkipped.Add(float64(len(reshaped.SkippedKeys)))
	for _, key := range reshaped.SkippedKeys {
		log.Debug("skipping unrecognized weather timestamp key", "key", key)
	}
	if len(reshaped.Observations) == 0 {
		log.Info("provider returned no observations", "window_start", window.Start, "window_end", window.End)
		return res, nil
	}

	stored, err := p.store.IngestWeatherData(ctx, d.ID, reshaped.Observations)
	if err != nil {
		return res, fmt.Errorf("persist observations for fire %d: %w", d.ID, err)
	}
	res.stored = stored
	p.metrics.ObservationsPersisted.Add(float64(len(stored)))
	return res, nil
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, events []domain.DetectionEvent) {
	if err := p.opts.Publisher.Publish(ctx, events); err != nil {
		p.metrics.EventsPublished.WithLabelValues("error").Add(float64(len(events)))
		logger.Warn("publish detection events failed", "error", err, "events", len(events))
		return
	}
	p.metrics.EventsPublished.WithLabelValues("success").Add(float64(len(events)))
}

func (p *Pipeline) setStage(logger *slog.Logger, s Stage) {
	if Stage(p.stage.Swap(int32(s))) != s {
		logger.Info("pipeline stage", "stage", s.String())
	}
}
