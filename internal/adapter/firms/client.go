// Package firms fetches and decodes the NASA FIRMS active-fire CSV feed.
package firms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/wildfire-etl/internal/domain"
)

// ErrUpstream is returned when the feed answers with a non-success status.
var ErrUpstream = errors.New("firms upstream error")

// Client downloads the detection feed from a fully-qualified FIRMS area URL
// (map key, source, area and day range are part of the URL).
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a feed client with a per-request timeout.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Fetch downloads and decodes the current feed. Rows with unusable
// coordinates are skipped and counted in the result; transport failures,
// non-200 responses and a missing header are returned as errors.
func (c *Client) Fetch(ctx context.Context) (domain.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return domain.Feed{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Feed{}, fmt.Errorf("firms feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Feed{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, body)
	}

	feed, err := Decode(resp.Body)
	if err != nil {
		return domain.Feed{}, err
	}

	c.logger.Info("firms feed downloaded",
		"rows", len(feed.Rows),
		"skipped", feed.Skipped,
		"duration", time.Since(start),
	)
	return feed, nil
}
