// Package power implements weather correlation against the NASA POWER hourly
// point API.
package power

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
	"github.com/couchcryptid/wildfire-etl/internal/observability"
)

// ErrUpstream is returned when POWER answers with a non-success status.
var ErrUpstream = errors.New("power upstream error")

// DefaultBaseURL is the hourly point endpoint.
const DefaultBaseURL = "https://power.larc.nasa.gov/api/temporal/hourly/point"

const dateLayout = "20060102"

// StatusError carries a non-success POWER response. It unwraps to ErrUpstream.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrUpstream, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// clientError reports whether a status describes the request itself (a bad
// point or date range) rather than the health of the provider. 429 is a
// provider condition.
func (e *StatusError) clientError() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// Fetcher returns the raw POWER payload for a point and window.
type Fetcher interface {
	Fetch(ctx context.Context, lat, lon float64, w domain.Window) (domain.PowerPayload, error)
}

// Client implements Fetcher with one HTTP request per call.
type Client struct {
	baseURL    string
	community  string
	params     []domain.Parameter
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[domain.PowerPayload]
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a POWER client requesting domain.DefaultParameters. After
// five consecutive transport failures, 5xx or 429 responses the breaker opens
// for 30s and calls fail fast. Other 4xx responses fail only their own call.
func NewClient(baseURL, community string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		community: community,
		params:    domain.DefaultParameters,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker[domain.PowerPayload](gobreaker.Settings{
			Name:        "nasa-power",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: isBreakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		metrics: metrics,
		logger:  logger,
	}
}

// Fetch requests hourly T2M, WS2M, RH2M and PRECTOTCORR for the point over the
// calendar days spanned by w. Keys in the response are UTC hours.
func (c *Client) Fetch(ctx context.Context, lat, lon float64, w domain.Window) (domain.PowerPayload, error) {
	u := c.baseURL + "?" + c.query(lat, lon, w).Encode()

	start := time.Now()
	payload, err := c.breaker.Execute(func() (domain.PowerPayload, error) {
		return c.doRequest(ctx, u)
	})
	c.metrics.WeatherAPIDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.WeatherRequests.WithLabelValues("error").Inc()
		return domain.PowerPayload{}, err
	}
	c.metrics.WeatherRequests.WithLabelValues("success").Inc()
	return payload, nil
}

func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.clientError()
}

func (c *Client) query(lat, lon float64, w domain.Window) url.Values {
	codes := make([]string, len(c.params))
	for i, p := range c.params {
		codes[i] = string(p)
	}
	return url.Values{
		"parameters":    {strings.Join(codes, ",")},
		"community":     {c.community},
		"longitude":     {strconv.FormatFloat(lon, 'f', -1, 64)},
		"latitude":      {strconv.FormatFloat(lat, 'f', -1, 64)},
		"start":         {w.Start.UTC().Format(dateLayout)},
		"end":           {w.End.UTC().Format(dateLayout)},
		"format":        {"JSON"},
		"time-standard": {"UTC"},
	}
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.PowerPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.PowerPayload{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PowerPayload{}, fmt.Errorf("power request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.PowerPayload{}, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var payload domain.PowerPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.PowerPayload{}, fmt.Errorf("decode response: %w", err)
	}
	return payload, nil
}
