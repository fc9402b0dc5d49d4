package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
	"github.com/wegman-software/osm2bmap-go/internal/tilecache"
)

var (
	inspectPoints bool
	inspectTile   uint32
	inspectBits   int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Print the records of a tile page or response",
	Long: `Decode a binary tile page or server response and print one line per record.

The input is a file, stdin when no file is given, or a cached page selected
with --tile and --bits.

Examples:
  osm2bmap-go inspect monaco.bmap --points
  osm2bmap-go inspect --tile 1234567 --bits 21 --cache-dir /var/cache/bmap`,
	Args: cobra.MaximumNArgs(1),
	Run:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&inspectPoints, "points", false, "Print way geometry")
	inspectCmd.Flags().Uint32Var(&inspectTile, "tile", 0, "Read the cached page of this tile id")
	inspectCmd.Flags().IntVar(&inspectBits, "bits", tileaddr.MaxBits, "Precision of --tile")
}

func runInspect(cmd *cobra.Command, args []string) {
	data, err := readInspectInput(cmd, args)
	if err != nil {
		exitWithError("failed to read input", err)
	}

	st, err := bmap.Dump(os.Stdout, data, inspectPoints)
	if err != nil {
		exitWithError("failed to decode records", err)
	}

	fmt.Printf("\n%d nodes, %d ways, %d suppressed lists, %d errors, %d bytes in records",
		st.Nodes, st.Ways, st.Suppressed, st.Errors, st.Bytes)
	if rest := len(data) - st.Bytes; rest > 0 {
		fmt.Printf(", %d trailing bytes", rest)
	}
	fmt.Println()
}

func readInspectInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if cmd.Flags().Changed("tile") {
		cache, err := tilecache.New(cfg.CacheDir, cfg.CacheTTL)
		if err != nil {
			return nil, err
		}
		addr := tileaddr.NewAddress(inspectTile, inspectBits)
		data, ok, err := cache.Read(addr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("tile %s is not cached", addr)
		}
		if mtime, ok := cache.Stat(addr); ok {
			fmt.Printf("# %s generated %s, fresh=%v\n", cache.Path(addr), mtime.Format("2006-01-02 15:04:05"), cache.Fresh(mtime))
		}
		return data, nil
	}
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}
