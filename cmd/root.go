package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2bmap-go/internal/config"
	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/proptables"
	"github.com/wegman-software/osm2bmap-go/internal/service"
	"github.com/wegman-software/osm2bmap-go/internal/style"
	"github.com/wegman-software/osm2bmap-go/internal/tilecache"
	"github.com/wegman-software/osm2bmap-go/internal/upstream"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "osm2bmap-go",
	Short: "OSM to mobile binary map tile server",
	Long: `osm2bmap-go converts OpenStreetMap data into the compact mobile binary
tile format used by handheld map clients.

Features:
  - Quadtree tile addressing with 19 to 31 bit precision
  - Table driven tag encoding and delta compressed way geometry
  - On-disk tile cache with per-tile locking and an 8 hour freshness window
  - Suppression of ways the client already received with neighbouring tiles`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logger.Setup(logger.Options{Debug: cfg.Verbose, File: cfg.LogFile})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	def := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVarP(&configFile, "config", "c", "", "YAML config file")
	flags.BoolP("verbose", "v", false, "Enable verbose output")
	flags.String("cache-dir", def.CacheDir, "Tile cache directory")
	flags.IntP("workers", "j", def.Workers, "Number of parallel workers")

	// Upstream flags
	flags.String("upstream", def.Upstream.URL, "Map API: osm, dev, overpass or an http(s) URL")
	flags.Duration("upstream-timeout", def.Upstream.Timeout, "Timeout of one upstream request")
	flags.Int("upstream-retries", def.Upstream.Retries, "Retries on upstream server errors")
	flags.String("user-agent", def.Upstream.UserAgent, "User-Agent sent upstream")

	// Tile flags
	flags.Duration("build-timeout", def.BuildTimeout, "Wall-clock budget of one tile build")
	flags.Duration("cache-ttl", def.CacheTTL, "How long a cached tile counts as fresh")
	flags.String("profiles", "", "Client profile file overriding the built-in allow-lists")
	flags.String("tables", "", "Property table file overriding the built-in tables")

	// Logging and metrics flags
	flags.String("log-file", "", "Path to log file for persistent logging (JSON format)")
	flags.Duration("metrics-interval", def.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")
}

// newService wires the tile service from the loaded configuration
func newService() (*service.Service, error) {
	cache, err := tilecache.New(cfg.CacheDir, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}

	fetcher, err := upstream.NewFetcher(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}

	tables, err := loadTables()
	if err != nil {
		return nil, err
	}

	logger.Get().Debug("Tile service configured",
		zap.String("cache_dir", cache.Root()),
		zap.Duration("cache_ttl", cache.TTL()),
		zap.String("upstream", fetcher.Source().MapURL))

	return service.New(cache, fetcher, tables, cfg.BuildTimeout), nil
}

func loadTables() (*proptables.Tables, error) {
	if cfg.TablesFile != "" {
		return proptables.LoadFile(cfg.TablesFile)
	}
	return proptables.Load()
}

func loadProfiles() (*style.Profiles, error) {
	return style.Load(cfg.ProfilesFile)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	log := logger.Get()
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
