package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wildfire_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ingestion pipeline.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec // labels: outcome={success,failed}
	RunDuration     prometheus.Histogram
	PipelineRunning prometheus.Gauge

	// Detection stages.
	FeedRows            prometheus.Counter
	RowsInvalid         *prometheus.CounterVec // labels: reason={undecodable,timestamp,unknown_confidence}
	DetectionsFiltered  prometheus.Counter
	DetectionsDuplicate prometheus.Counter
	DetectionsPersisted prometheus.Counter

	// Weather correlation.
	WeatherRequests       *prometheus.CounterVec // labels: outcome={success,error}
	WeatherAPIDuration    prometheus.Histogram
	WeatherCache          *prometheus.CounterVec // labels: result={hit,miss}
	WeatherKeysSkipped    prometheus.Counter
	ObservationsPersisted prometheus.Counter

	// Event sink.
	EventsPublished *prometheus.CounterVec // labels: outcome={success,error}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.PipelineRunning,
		m.FeedRows,
		m.RowsInvalid,
		m.DetectionsFiltered,
		m.DetectionsDuplicate,
		m.DetectionsPersisted,
		m.WeatherRequests,
		m.WeatherAPIDuration,
		m.WeatherCache,
		m.WeatherKeysSkipped,
		m.ObservationsPersisted,
		m.EventsPublished,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete fetch-clean-persist-correlate run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		FeedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_rows_total",
			Help:      "Rows decoded from the detection feed.",
		}),
		RowsInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_invalid_total",
			Help:      "Feed rows dropped or degraded during cleaning, by reason.",
		}, []string{"reason"}),
		DetectionsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_filtered_total",
			Help:      "Detections outside the configured region.",
		}),
		DetectionsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_duplicate_total",
			Help:      "Detections discarded as duplicates within a run.",
		}),
		DetectionsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_persisted_total",
			Help:      "Detections written to the store.",
		}),
		WeatherRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_requests_total",
			Help:      "Weather provider requests by outcome.",
		}, []string{"outcome"}),
		WeatherAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weather_api_duration_seconds",
			Help:      "NASA POWER request duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		WeatherCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_cache_total",
			Help:      "Weather payload cache lookups by result.",
		}, []string{"result"}),
		WeatherKeysSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_keys_skipped_total",
			Help:      "Provider timestamp keys in neither hourly nor daily format.",
		}),
		ObservationsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_persisted_total",
			Help:      "Weather observations written to the store.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Detection events published to the sink topic, by outcome.",
		}, []string{"outcome"}),
	}
}
