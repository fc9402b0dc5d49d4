package cmd

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/config"
	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

var (
	warmBBox    string
	warmBits    int
	warmForce   bool
	warmProfile string
	warmMax     int
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Pre-generate every tile of a bounding box",
	Long: `Fill the tile cache for all tiles intersecting a bounding box.

Tiles that are cached and fresh are skipped unless --force is given. Tiles
are built in parallel by --workers builders; a failing tile is logged and
does not stop the others.

Examples:
  # Monaco at 21 bit precision
  osm2bmap-go warm --bbox 7.40,43.72,7.44,43.75 --bits 21 -j 4`,
	Run: runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)

	warmCmd.Flags().StringVarP(&warmBBox, "bbox", "b", "", "Bounding box: minlon,minlat,maxlon,maxlat")
	warmCmd.Flags().IntVar(&warmBits, "bits", tileaddr.MaxBits, "Tile precision (19-31)")
	warmCmd.Flags().BoolVar(&warmForce, "force", false, "Rebuild fresh tiles too")
	warmCmd.Flags().StringVar(&warmProfile, "profile", "", "Client profile selecting the way keys (default profile if empty)")
	warmCmd.Flags().IntVar(&warmMax, "max-tiles", 10000, "Refuse boxes covering more tiles (0 = unlimited)")
	warmCmd.MarkFlagRequired("bbox")
}

func runWarm(cmd *cobra.Command, args []string) {
	log := logger.Get()

	bound, err := config.ParseBBox(warmBBox)
	if err != nil {
		exitWithError("invalid bbox", err)
	}
	bits := tileaddr.ClampBits(warmBits)
	tiles := tileaddr.Cover(bound, bits)
	if warmMax > 0 && len(tiles) > warmMax {
		exitWithError(fmt.Sprintf("bbox covers %d tiles, more than --max-tiles %d", len(tiles), warmMax), nil)
	}

	profiles, err := loadProfiles()
	if err != nil {
		exitWithError("failed to load client profiles", err)
	}
	_, keys := profiles.Select("")
	if warmProfile != "" {
		var ok bool
		if keys, ok = profiles.Lookup(warmProfile); !ok {
			exitWithError(fmt.Sprintf("unknown profile %q", warmProfile), nil)
		}
	}

	svc, err := newService()
	if err != nil {
		exitWithError("failed to create tile service", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	log.Info("Warming tile cache",
		zap.String("bbox", warmBBox),
		zap.Uint8("bits", bits),
		zap.Int("tiles", len(tiles)),
		zap.Int("workers", cfg.Workers))

	start := time.Now()
	var built, cached, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)

	for _, addr := range tiles {
		if gctx.Err() != nil {
			break
		}
		addr := addr
		g.Go(func() error {
			hit, stats, err := svc.Warm(gctx, addr, keys, warmForce)
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				failed.Add(1)
				fields := []zap.Field{zap.Stringer("tile", addr), zap.Error(err)}
				if e, ok := bmap.AsError(err); ok {
					fields = append(fields, zap.Stringer("code", e.Code))
				}
				log.Warn("Tile build failed", fields...)
			case hit:
				cached.Add(1)
			default:
				built.Add(1)
				log.Debug("Tile built", zap.Stringer("tile", addr), zap.Object("stats", stats))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Warn("Warming interrupted", zap.Error(err))
	}

	log.Info("Warming complete",
		zap.Int64("built", built.Load()),
		zap.Int64("cached", cached.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", time.Since(start)))

	fmt.Printf("Tiles: %d built, %d already cached, %d failed\n", built.Load(), cached.Load(), failed.Load())
}
