package cmd

import (
	"os"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2bmap-go/internal/config"
	"github.com/wegman-software/osm2bmap-go/internal/expire"
	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/tilecache"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

var (
	expireBBox    string
	expireList    string
	expireMinBits int
	expireMaxBits int
	expireOutput  string
	expireDryRun  bool
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Drop cached tiles covering an area",
	Long: `Remove the cached pages of every tile intersecting a bounding box at
precisions --min-bits through --max-bits, so the next request rebuilds them
from the upstream regardless of their age.

Tiles can also be read from a list file in bits/id format (one per line),
such as one written earlier with --output.

Examples:
  # Expire Monaco at all precisions
  osm2bmap-go expire --bbox 7.40,43.72,7.44,43.75

  # Only list the affected tiles
  osm2bmap-go expire --bbox 7.40,43.72,7.44,43.75 --min-bits 21 --max-bits 23 --dry-run -o tiles.list`,
	Run: runExpire,
}

func init() {
	rootCmd.AddCommand(expireCmd)

	expireCmd.Flags().StringVarP(&expireBBox, "bbox", "b", "", "Bounding box: minlon,minlat,maxlon,maxlat")
	expireCmd.Flags().StringVar(&expireList, "list", "", "File of tiles in bits/id format (- for stdin)")
	expireCmd.Flags().IntVar(&expireMinBits, "min-bits", tileaddr.MinBits, "Lowest tile precision")
	expireCmd.Flags().IntVar(&expireMaxBits, "max-bits", tileaddr.MaxBits, "Highest tile precision")
	expireCmd.Flags().StringVarP(&expireOutput, "output", "o", "", "Write the affected tiles to this file")
	expireCmd.Flags().BoolVar(&expireDryRun, "dry-run", false, "Collect tiles without touching the cache")
}

func runExpire(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if expireBBox == "" && expireList == "" {
		exitWithError("one of --bbox or --list is required", nil)
	}

	tracker := expire.NewTracker(expireMinBits, expireMaxBits)
	if expireBBox != "" {
		bound, err := config.ParseBBox(expireBBox)
		if err != nil {
			exitWithError("invalid bbox", err)
		}
		tracker.ExpireBound(bound)
	}
	if expireList != "" {
		in := os.Stdin
		if expireList != "-" {
			f, err := os.Open(expireList)
			if err != nil {
				exitWithError("failed to open tile list", err)
			}
			defer f.Close()
			in = f
		}
		if _, err := tracker.ReadFrom(in); err != nil {
			exitWithError("failed to read tile list", err)
		}
	}

	log.Info("Collected tiles", zap.Int("tiles", tracker.Count()))

	if expireOutput != "" {
		if err := tracker.WriteToFile(expireOutput); err != nil {
			exitWithError("failed to write tile list", err)
		}
	}
	if expireDryRun {
		return
	}

	cache, err := tilecache.New(cfg.CacheDir, cfg.CacheTTL)
	if err != nil {
		exitWithError("failed to open tile cache", err)
	}
	if _, err := tracker.Apply(cache); err != nil {
		exitWithError("expire failed", err)
	}
}
