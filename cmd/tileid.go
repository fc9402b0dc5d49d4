package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

var tileidCmd = &cobra.Command{
	Use:   "tileid",
	Short: "Convert between coordinates, tile ids and bounding boxes",
	Long: `Print the tile address of a point, or the bounding box and neighbours of
a tile id.

Examples:
  osm2bmap-go tileid --lon 7.4246 --lat 43.7384 --bits 21
  osm2bmap-go tileid --tile 1234567 --bits 21`,
	Run: runTileID,
}

func init() {
	rootCmd.AddCommand(tileidCmd)

	tileidCmd.Flags().Uint32Var(&tileID, "tile", 0, "Tile id")
	tileidCmd.Flags().IntVar(&tileBits, "bits", tileaddr.MaxBits, "Tile precision (19-31)")
	tileidCmd.Flags().Float64Var(&tileLon, "lon", 0, "Longitude in degrees")
	tileidCmd.Flags().Float64Var(&tileLat, "lat", 0, "Latitude in degrees")
}

func runTileID(cmd *cobra.Command, args []string) {
	addr := tileAddress(cmd)
	box := addr.BBox()
	gridLon, gridLat := tileaddr.GridSize(addr.Bits)

	fmt.Printf("Tile:      %d\n", addr.ID)
	fmt.Printf("Bits:      %d\n", addr.Bits)
	fmt.Printf("BBox:      %s\n", box)
	fmt.Printf("Size:      %.6f x %.6f degrees\n", tileaddr.ToDegrees(gridLon), tileaddr.ToDegrees(gridLat))
	fmt.Println("Neighbours:")
	for _, d := range tileaddr.Directions {
		n, ok := addr.Neighbor(d)
		if !ok {
			fmt.Printf("  %-2s (bit %3d)  outside the domain\n", d, uint8(d))
			continue
		}
		fmt.Printf("  %-2s (bit %3d)  %d\n", d, uint8(d), n.ID)
	}
}
