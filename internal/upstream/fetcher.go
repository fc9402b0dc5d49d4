// Package upstream downloads the raw map data of a tile from an OSM map API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/config"
	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

// ErrAuthRequired is returned when the upstream answers 401. It is not a
// tile error: the client is asked for credentials instead.
var ErrAuthRequired = errors.New("upstream requires authentication")

// Credentials are passed through to the upstream as basic auth
type Credentials struct {
	Username string
	Password string
}

// Fetcher downloads map data from a source
type Fetcher struct {
	source     *Source
	client     *http.Client
	userAgent  string
	maxRetries int
	retryDelay time.Duration
}

// NewFetcher creates a fetcher for the configured upstream
func NewFetcher(cfg config.UpstreamConfig) (*Fetcher, error) {
	source, err := ParseSource(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		source: source,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.Retries,
		retryDelay: 2 * time.Second,
	}, nil
}

// Source returns the upstream source
func (f *Fetcher) Source() *Source {
	return f.source
}

// Fetch requests the data inside box. The caller closes the returned body.
// Failures are *bmap.Error, ErrAuthRequired or the context's error.
func (f *Fetcher) Fetch(ctx context.Context, box tileaddr.BoundingBox, creds *Credentials) (io.ReadCloser, error) {
	log := logger.Get()
	url := f.source.QueryURL(box.String())

	log.Debug("Fetching tile data", zap.String("url", url))

	resp, err := f.fetchWithRetry(ctx, url, creds)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, bmap.NewError(bmap.CodeUpstreamConnectFailed, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusUnauthorized:
		resp.Body.Close()
		return nil, ErrAuthRequired
	case http.StatusBadRequest:
		resp.Body.Close()
		return nil, bmap.NewError(bmap.CodeTooBig, nil)
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, bmap.NewError(bmap.CodeUpstreamConnectFailed, nil)
	}

	resp.Body.Close()
	log.Warn("Unexpected upstream status",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode))
	return nil, bmap.Errorf(bmap.CodeNoData, "Got: %s %s", resp.Proto, resp.Status)
}

// fetchWithRetry performs an HTTP GET with retries. The response of the
// last attempt is returned even when it is a server error.
func (f *Fetcher) fetchWithRetry(ctx context.Context, url string, creds *Credentials) (*http.Response, error) {
	log := logger.Get()
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
			log.Debug("Retrying upstream request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", f.userAgent)
		if creds != nil && creds.Password != "" {
			req.SetBasicAuth(creds.Username, creds.Password)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Retry on server errors
		if resp.StatusCode >= 500 && attempt < f.maxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
