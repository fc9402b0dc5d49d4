package cmd

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/metrics"
	"github.com/wegman-software/osm2bmap-go/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP tile server",
	Long: `Run the HTTP tile server.

Endpoints:
  GET /bmap?tile=<id>&ts=<bits>&have=<mask>[&no-cache=1]
  GET /osmgetbmap.php   same parameters, for older clients
  GET /healthz
  GET /metrics          Prometheus metrics

Examples:
  # Serve tiles from the main OSM API
  osm2bmap-go serve --listen :8080 --cache-dir /var/cache/bmap

  # Use a local API instance and a config file
  osm2bmap-go serve -c osm2bmap.yaml --upstream http://localhost:3000/api/0.6/map`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", cfg.Listen, "Address to listen on")
}

func runServe(cmd *cobra.Command, args []string) {
	log := logger.Get()

	svc, err := newService()
	if err != nil {
		exitWithError("failed to create tile service", err)
	}
	profiles, err := loadProfiles()
	if err != nil {
		exitWithError("failed to load client profiles", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := server.New(svc, profiles, logger.Access())
	collector := metrics.NewCollector(cfg.MetricsInterval, cfg.CacheDir, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Listen)
	})

	g.Go(func() error {
		collector.Start(gctx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		exitWithError("server failed", err)
	}
	log.Info("Server stopped", zap.String("listen", cfg.Listen))
}
