// Package server exposes the tile service over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2bmap-go/internal/service"
	"github.com/wegman-software/osm2bmap-go/internal/style"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
	"github.com/wegman-software/osm2bmap-go/internal/upstream"
)

const (
	authRealm   = `Basic realm="OSMtoCSV Auth"`
	authMessage = "Please enter your openstreetmap login details"

	contentType = "application/octet-stream"
)

// Server handles tile requests
type Server struct {
	svc      *service.Service
	profiles *style.Profiles
	log      *zap.Logger
}

// New creates a tile server
func New(svc *service.Service, profiles *style.Profiles, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, profiles: profiles, log: log}
}

// Router returns the gin engine with all routes
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginZapLogger(s.log))

	r.GET("/bmap", s.Tile)
	r.GET("/osmgetbmap.php", s.Tile)
	r.GET("/healthz", s.Healthz)

	// Prometheus metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Handler returns the router wrapped with gzip compression for clients that
// accept it
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.Router())
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Healthz reports liveness
func (s *Server) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// Tile answers GET ?tile=<id>&ts=<bits>&have=<mask>[&no-cache=1][&m=<machine>]
func (s *Server) Tile(c *gin.Context) {
	id, err := strconv.ParseUint(c.Query("tile"), 10, 32)
	if err != nil {
		s.log.Warn("Invalid tile parameter", zap.String("tile", c.Query("tile")), zap.Error(err))
		c.String(http.StatusBadRequest, "tile should be an unsigned 32-bit integer")
		return
	}

	// out of range and missing precisions select the finest one
	bits, _ := strconv.Atoi(c.Query("ts"))
	have, _ := strconv.ParseUint(c.Query("have"), 10, 8)

	profile, keys := s.profiles.Select(c.Request.UserAgent())
	req := service.Request{
		Addr:        tileaddr.NewAddress(uint32(id), bits),
		Have:        uint8(have),
		NoCache:     noCache(c.Query("no-cache")),
		Profile:     profile,
		AllowedKeys: keys,
	}
	if user, pass, ok := c.Request.BasicAuth(); ok {
		req.Credentials = &upstream.Credentials{Username: user, Password: pass}
	}

	s.log.Debug("Tile request",
		zap.Stringer("tile", req.Addr),
		zap.Uint8("have", req.Have),
		zap.Bool("no_cache", req.NoCache),
		zap.String("user_agent", c.Request.UserAgent()),
		zap.String("machine", c.Query("m")))

	resp, err := s.svc.Serve(c.Request.Context(), req)
	switch {
	case errors.Is(err, upstream.ErrAuthRequired):
		c.Header("WWW-Authenticate", authRealm)
		c.String(http.StatusUnauthorized, authMessage)
		return
	case err != nil:
		// the client went away before a cached page could be sent
		s.log.Debug("Tile request abandoned", zap.Stringer("tile", req.Addr), zap.Error(err))
		c.Status(http.StatusServiceUnavailable)
		return
	}

	c.Data(http.StatusOK, contentType, resp.Body)
}

// noCache interprets the no-cache query flag; any non-empty value other
// than 0 or false enables it
func noCache(v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

func ginZapLogger(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		l.Info("request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("size", c.Writer.Size()),
		)
	}
}
