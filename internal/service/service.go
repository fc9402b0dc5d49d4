// Package service answers tile requests: it serves cached pages, generates
// missing or stale ones from the upstream and strips ways the client
// already holds.
package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/dedup"
	"github.com/wegman-software/osm2bmap-go/internal/ingest"
	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/metrics"
	"github.com/wegman-software/osm2bmap-go/internal/proptables"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
	"github.com/wegman-software/osm2bmap-go/internal/tilecache"
	"github.com/wegman-software/osm2bmap-go/internal/upstream"
)

// DefaultBuildTimeout bounds one fresh build
const DefaultBuildTimeout = 20 * time.Minute

// Fetcher downloads the map data of a bounding box
type Fetcher interface {
	Fetch(ctx context.Context, box tileaddr.BoundingBox, creds *upstream.Credentials) (io.ReadCloser, error)
}

// Request is one tile request
type Request struct {
	Addr        tileaddr.Address
	Have        uint8 // neighbour mask, see tileaddr.Directions
	NoCache     bool
	Profile     string // client profile name, for logging
	AllowedKeys bmap.KeySet
	Credentials *upstream.Credentials
}

// Response is the body sent to the client plus what happened
type Response struct {
	Body       []byte
	FromCache  bool
	Suppressed []uint32
	Err        *bmap.Error // set when Body is a single error record
	Stats      ingest.Stats
}

// Service builds and serves tile pages
type Service struct {
	cache        *tilecache.Cache
	fetcher      Fetcher
	tables       *proptables.Tables
	buildTimeout time.Duration
	now          func() time.Time
}

// New creates a tile service. A non-positive buildTimeout selects
// DefaultBuildTimeout.
func New(cache *tilecache.Cache, fetcher Fetcher, tables *proptables.Tables, buildTimeout time.Duration) *Service {
	if buildTimeout <= 0 {
		buildTimeout = DefaultBuildTimeout
	}
	return &Service{
		cache:        cache,
		fetcher:      fetcher,
		tables:       tables,
		buildTimeout: buildTimeout,
		now:          time.Now,
	}
}

// Cache returns the tile cache
func (s *Service) Cache() *tilecache.Cache {
	return s.cache
}

// Serve answers a request. Tile failures are reported inside the response
// body as an error record; the returned error is only set for
// upstream.ErrAuthRequired and for a caller that went away before a cached
// page could be delivered. A fresh build is never interrupted by the caller.
func (s *Service) Serve(ctx context.Context, req Request) (*Response, error) {
	log := logger.ForTile(req.Addr.ID, req.Addr.Bits)
	start := time.Now()

	known := dedup.KnownWays(s.cache, req.Addr, req.Have, log)

	out, err := s.cache.TryBeginBuild(req.Addr, req.NoCache)
	if err != nil {
		return s.failed(log, err), nil
	}

	if out.Hit() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		metrics.TileCacheHits.Inc()
		resp, err := s.deliver(out.Page, known, true)
		if err != nil {
			return s.failed(log, err), nil
		}
		log.Info("Served cached tile",
			zap.String("profile", req.Profile),
			zap.Time("generated", out.ModTime),
			zap.Int("bytes", len(resp.Body)),
			zap.Int("suppressed", len(resp.Suppressed)))
		metrics.TileRequests.WithLabelValues("cache").Inc()
		return resp, nil
	}
	defer out.Build.Abort()
	metrics.TileCacheMisses.Inc()

	page, stats, err := s.generate(ctx, req, log)
	if errors.Is(err, upstream.ErrAuthRequired) {
		metrics.TileRequests.WithLabelValues("auth").Inc()
		return nil, err
	}
	if err != nil {
		resp := s.failed(log, err)
		resp.Stats = stats
		return resp, nil
	}

	if err := out.Build.Commit(page); err != nil {
		log.Error("Failed to store tile page", zap.String("path", out.Build.Path()), zap.Error(err))
	}

	resp, err := s.deliver(page, known, false)
	if err != nil {
		return s.failed(log, err), nil
	}
	resp.Stats = stats

	log.Info("Generated tile",
		zap.String("profile", req.Profile),
		zap.Object("stats", stats),
		zap.Int("bytes", len(page)),
		zap.Int("suppressed", len(resp.Suppressed)),
		zap.Duration("elapsed", time.Since(start)))
	metrics.TileRequests.WithLabelValues("fresh").Inc()
	return resp, nil
}

// Warm makes sure a fresh page of addr is cached, generating it when it is
// missing, stale or force is set. It reports whether the page was already
// cached.
func (s *Service) Warm(ctx context.Context, addr tileaddr.Address, keys bmap.KeySet, force bool) (bool, ingest.Stats, error) {
	log := logger.ForTile(addr.ID, addr.Bits)

	out, err := s.cache.TryBeginBuild(addr, force)
	if err != nil {
		return false, ingest.Stats{}, err
	}
	if out.Hit() {
		return true, ingest.Stats{}, nil
	}
	defer out.Build.Abort()

	page, stats, err := s.generate(ctx, Request{Addr: addr, AllowedKeys: keys}, log)
	if err != nil {
		return false, stats, err
	}
	if err := out.Build.Commit(page); err != nil {
		return false, stats, err
	}
	return false, stats, nil
}

// generate downloads and converts one tile. The build runs detached from
// ctx's cancellation and is bounded by the build timeout instead.
func (s *Service) generate(ctx context.Context, req Request, log *zap.Logger) ([]byte, ingest.Stats, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.buildTimeout)
	defer cancel()

	start := time.Now()
	metrics.UpstreamRequests.Inc()
	body, err := s.fetcher.Fetch(ctx, req.Addr.BBox(), req.Credentials)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, ingest.Stats{}, err
	}
	defer body.Close()

	var buf bytes.Buffer
	w := bmap.NewWriter(&buf)
	p := ingest.New(bmap.NewEncoder(s.tables), req.AllowedKeys, w, log)

	stats, err := p.Run(ctx, body)
	metrics.UpstreamBytes.Add(float64(stats.BytesRead))
	if err != nil {
		return nil, stats, err
	}
	if err := w.WriteFooter(s.now()); err != nil {
		return nil, stats, err
	}

	metrics.BuildDuration.Observe(time.Since(start).Seconds())
	metrics.PageSize.Observe(float64(buf.Len()))
	return buf.Bytes(), stats, nil
}

// deliver filters a page for the client and appends the origin marker
func (s *Service) deliver(page []byte, known dedup.KnownWaySet, fromCache bool) (*Response, error) {
	var buf bytes.Buffer
	buf.Grow(len(page) + 6)
	w := bmap.NewWriter(&buf)

	suppressed, err := dedup.Filter(page, known, w)
	if err != nil {
		return nil, err
	}
	if err := w.WriteMarker(fromCache); err != nil {
		return nil, err
	}
	metrics.SuppressedWays.Add(float64(len(suppressed)))

	return &Response{
		Body:       buf.Bytes(),
		FromCache:  fromCache,
		Suppressed: suppressed,
	}, nil
}

// failed turns an aborted build into a response holding one error record
func (s *Service) failed(log *zap.Logger, err error) *Response {
	e, ok := bmap.AsError(err)
	if !ok {
		e = bmap.NewError(bmap.CodeNoData, err)
	}

	log.Error("Tile build aborted",
		zap.Stringer("code", e.Code),
		zap.String("message", e.ClientMessage()),
		zap.Error(err))
	metrics.TileErrors.WithLabelValues(e.Code.String()).Inc()
	metrics.TileRequests.WithLabelValues("error").Inc()

	return &Response{Body: ErrorBody(e), Err: e}
}

// ErrorBody returns a response body made of a single error record
func ErrorBody(e *bmap.Error) []byte {
	var buf bytes.Buffer
	_ = bmap.NewWriter(&buf).WriteError(e.Code, e.ClientMessage())
	return buf.Bytes()
}
