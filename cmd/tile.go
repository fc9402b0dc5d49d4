package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/ingest"
	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/service"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
	"github.com/wegman-software/osm2bmap-go/internal/upstream"
)

var (
	tileID      uint32
	tileBits    int
	tileLon     float64
	tileLat     float64
	tileHave    uint8
	tileNoCache bool
	tileProfile string
	tileInput   string
	tileOutput  string
	tileUser    string
	tilePass    string
)

var tileCmd = &cobra.Command{
	Use:   "tile",
	Short: "Build one tile and write the response",
	Long: `Build one tile through the cache, exactly as the server would answer it,
and write the binary response to a file or stdout.

With --input a local OSM XML or PBF file is converted instead; the
cache and the upstream are not used and the raw page is written.

Examples:
  # Tile containing Monaco at 21 bit precision
  osm2bmap-go tile --lon 7.4246 --lat 43.7384 --bits 21 -o monaco.bmap

  # Convert a local extract with the WhereAmI allow-list
  osm2bmap-go tile --input extract.osm --profile whereami -o extract.bmap`,
	Run: runTile,
}

func init() {
	rootCmd.AddCommand(tileCmd)

	tileCmd.Flags().Uint32Var(&tileID, "tile", 0, "Tile id")
	tileCmd.Flags().IntVar(&tileBits, "bits", tileaddr.MaxBits, "Tile precision (19-31)")
	tileCmd.Flags().Float64Var(&tileLon, "lon", 0, "Longitude of a point inside the tile (instead of --tile)")
	tileCmd.Flags().Float64Var(&tileLat, "lat", 0, "Latitude of a point inside the tile (instead of --tile)")
	tileCmd.Flags().Uint8Var(&tileHave, "have", 0, "Neighbour mask (NW=128 N=64 NE=32 W=16 E=8 SW=4 S=2 SE=1)")
	tileCmd.Flags().BoolVar(&tileNoCache, "no-cache", false, "Regenerate even when a fresh page is cached")
	tileCmd.Flags().StringVar(&tileProfile, "profile", "", "Client profile selecting the way keys (default profile if empty)")
	tileCmd.Flags().StringVarP(&tileInput, "input", "i", "", "Convert a local OSM XML or .pbf file instead of fetching the tile")
	tileCmd.Flags().StringVarP(&tileOutput, "output", "o", "-", "Output file (- for stdout)")
	tileCmd.Flags().StringVar(&tileUser, "user", "", "Upstream user name")
	tileCmd.Flags().StringVar(&tilePass, "password", "", "Upstream password")
}

// tileAddress resolves --tile or --lon/--lat
func tileAddress(cmd *cobra.Command) tileaddr.Address {
	bits := tileaddr.ClampBits(tileBits)
	if cmd.Flags().Changed("lon") || cmd.Flags().Changed("lat") {
		return tileaddr.FromLonLat(tileaddr.ToMicroDegrees(tileLon), tileaddr.ToMicroDegrees(tileLat), bits)
	}
	return tileaddr.NewAddress(tileID, int(bits))
}

func runTile(cmd *cobra.Command, args []string) {
	log := logger.Get()

	profiles, err := loadProfiles()
	if err != nil {
		exitWithError("failed to load client profiles", err)
	}
	profile, keys := profiles.Select("")
	if tileProfile != "" {
		var ok bool
		if keys, ok = profiles.Lookup(tileProfile); !ok {
			exitWithError(fmt.Sprintf("unknown profile %q", tileProfile), nil)
		}
		profile = tileProfile
	}

	var body []byte
	if tileInput != "" {
		body, err = convertFile(tileInput, keys)
		if err != nil {
			exitWithError("conversion failed", err)
		}
	} else {
		body = fetchTile(cmd, profile, keys)
	}

	if err := writeOutput(tileOutput, body); err != nil {
		exitWithError("failed to write output", err)
	}
	log.Debug("Wrote tile", zap.String("output", tileOutput), zap.Int("bytes", len(body)))
}

func fetchTile(cmd *cobra.Command, profile string, keys bmap.KeySet) []byte {
	log := logger.Get()

	svc, err := newService()
	if err != nil {
		exitWithError("failed to create tile service", err)
	}

	req := service.Request{
		Addr:        tileAddress(cmd),
		Have:        tileHave,
		NoCache:     tileNoCache,
		Profile:     profile,
		AllowedKeys: keys,
	}
	if tilePass != "" {
		req.Credentials = &upstream.Credentials{Username: tileUser, Password: tilePass}
	}

	resp, err := svc.Serve(context.Background(), req)
	if errors.Is(err, upstream.ErrAuthRequired) {
		exitWithError("upstream requires authentication, use --user and --password", nil)
	}
	if err != nil {
		exitWithError("tile request failed", err)
	}

	log.Info("Tile done",
		zap.Stringer("tile", req.Addr),
		zap.String("bbox", req.Addr.BBox().String()),
		zap.Bool("cached", resp.FromCache),
		zap.Int("suppressed", len(resp.Suppressed)),
		zap.Int("bytes", len(resp.Body)))
	if resp.Err != nil {
		log.Warn("Tile build failed", zap.Stringer("code", resp.Err.Code), zap.String("message", resp.Err.ClientMessage()))
	}
	return resp.Body
}

// convertFile converts a local OSM XML or PBF file into a page
func convertFile(path string, keys bmap.KeySet) ([]byte, error) {
	log := logger.Get()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tables, err := loadTables()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	p := ingest.New(bmap.NewEncoder(tables), keys, bmap.NewWriter(&buf), log)

	var stats ingest.Stats
	if strings.HasSuffix(path, ".pbf") {
		stats, err = p.RunPBF(context.Background(), f, cfg.Workers)
	} else {
		stats, err = p.Run(context.Background(), f)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Converted file", zap.String("input", path), zap.Object("stats", stats))
	return buf.Bytes(), nil
}

func writeOutput(path string, data []byte) error {
	var out io.Writer = os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err := out.Write(data)
	return err
}
