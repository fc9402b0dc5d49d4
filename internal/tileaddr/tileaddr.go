// Package tileaddr implements the quadtree tile addressing of the mobile binary
// protocol: a tile id is built by alternately halving the longitude and the
// latitude range, most significant bit first.
package tileaddr

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Coordinate domain in microdegrees
const (
	MaxLon = 180000000
	MaxLat = 90000000

	// MicroDegrees is the number of coordinate units per degree
	MicroDegrees = 1000000
)

// EdgeSlack bounds, in microdegrees, how far the points Encode assigns to a
// tile reach past its decoded box. Half widths are truncated, so along each
// axis the encoded range is [min+d, max+s) with 0 <= d <= s <= EdgeSlack.
// Decoded boxes never overlap and leave gaps of at most EdgeSlack.
const EdgeSlack = 3

// Supported precisions (number of subdivision steps)
const (
	MinBits = 19
	MaxBits = 31
)

// ClampBits maps a requested precision onto the supported range.
// Out of range values select the finest precision.
func ClampBits(bits int) uint8 {
	if bits < MinBits || bits > MaxBits {
		return MaxBits
	}
	return uint8(bits)
}

// Address identifies one tile at a given precision
type Address struct {
	ID   uint32
	Bits uint8
}

// NewAddress clamps the precision and drops id bits beyond it
func NewAddress(id uint32, bits int) Address {
	b := ClampBits(bits)
	return Address{ID: id & mask(b), Bits: b}
}

// FromLonLat returns the tile containing a point
func FromLonLat(lon, lat int32, bits uint8) Address {
	return Address{ID: Encode(lon, lat, bits), Bits: bits}
}

// String returns the tile in bits/id format
func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.Bits, a.ID)
}

// BBox decodes the tile's bounding box
func (a Address) BBox() BoundingBox {
	return Decode(a.ID, a.Bits)
}

func mask(bits uint8) uint32 {
	return uint32(1<<bits) - 1
}

// Encode computes the tile id of a microdegree coordinate.
// Even steps split longitude, odd steps latitude; step i writes bit bits-1-i.
func Encode(lon, lat int32, bits uint8) uint32 {
	x, y := int64(lon), int64(lat)
	var out uint32
	for i := 0; i < int(bits); i++ {
		bit := uint32(1) << (int(bits) - 1 - i)
		if i%2 == 1 {
			half := int64(MaxLat >> (i / 2))
			if y >= MaxLat-half {
				out |= bit
			} else {
				y += half
			}
		} else {
			half := int64(MaxLon >> (i / 2))
			if x >= MaxLon-half {
				out |= bit
			} else {
				x += half
			}
		}
	}
	return out
}

// Decode returns the bounding box addressed by id.
// Longitude owns the even steps, so the lat extent lags one step behind.
func Decode(id uint32, bits uint8) BoundingBox {
	lonMin := int64(-MaxLon)
	latMin := int64(-MaxLat)
	for i := int(bits) - 1; i >= 0; i-- {
		if (id>>(int(bits)-1-i))&1 == 0 {
			continue
		}
		if i%2 == 1 {
			latMin += int64(MaxLat >> (i / 2))
		} else {
			lonMin += int64(MaxLon >> (i / 2))
		}
	}
	gridLon, gridLat := GridSize(bits)
	return BoundingBox{
		LonMin: int32(lonMin),
		LatMin: int32(latMin),
		LonMax: int32(lonMin) + gridLon,
		LatMax: int32(latMin) + gridLat,
	}
}

// GridSize returns the tile extent in microdegrees for a precision
func GridSize(bits uint8) (lon, lat int32) {
	return MaxLon >> ((int(bits) - 1) / 2), MaxLat >> ((int(bits) - 2) / 2)
}

// BoundingBox is a tile extent in microdegrees
type BoundingBox struct {
	LonMin, LatMin, LonMax, LatMax int32
}

// Contains reports whether the point lies in the half-open box. Points up to
// EdgeSlack past the max edges can still encode to the tile.
func (b BoundingBox) Contains(lon, lat int32) bool {
	return lon >= b.LonMin && lon < b.LonMax && lat >= b.LatMin && lat < b.LatMax
}

// Center returns the midpoint of the box
func (b BoundingBox) Center() (lon, lat int32) {
	return b.LonMin + (b.LonMax-b.LonMin)/2, b.LatMin + (b.LatMax-b.LatMin)/2
}

// Bound converts the box to degrees
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{ToDegrees(b.LonMin), ToDegrees(b.LatMin)},
		Max: orb.Point{ToDegrees(b.LonMax), ToDegrees(b.LatMax)},
	}
}

// BoundFromOrb converts a degree bound to microdegrees
func BoundFromOrb(b orb.Bound) BoundingBox {
	return BoundingBox{
		LonMin: ToMicroDegrees(b.Min.Lon()),
		LatMin: ToMicroDegrees(b.Min.Lat()),
		LonMax: ToMicroDegrees(b.Max.Lon()),
		LatMax: ToMicroDegrees(b.Max.Lat()),
	}
}

// String formats the box as "lonmin,latmin,lonmax,latmax" in degrees,
// which is the bbox query format of the map API
func (b BoundingBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
		ToDegrees(b.LonMin), ToDegrees(b.LatMin), ToDegrees(b.LonMax), ToDegrees(b.LatMax))
}

// ToDegrees converts microdegrees to degrees
func ToDegrees(micro int32) float64 {
	return float64(micro) / MicroDegrees
}

// ToMicroDegrees converts degrees to microdegrees, rounding to the nearest unit
func ToMicroDegrees(deg float64) int32 {
	return int32(math.Round(deg * MicroDegrees))
}

// Direction is one of the eight compass neighbours of a tile. The value is
// the bit used for it in the neighbour mask sent by clients.
type Direction uint8

const (
	SE Direction = 1 << iota
	S
	SW
	E
	W
	NE
	N
	NW
)

// Directions lists neighbours in mask order, most significant bit first
var Directions = []Direction{NW, N, NE, W, E, SW, S, SE}

// step returns the grid offsets of a direction
func (d Direction) step() (dx, dy int64) {
	switch d {
	case NW:
		return -1, 1
	case N:
		return 0, 1
	case NE:
		return 1, 1
	case W:
		return -1, 0
	case E:
		return 1, 0
	case SW:
		return -1, -1
	case S:
		return 0, -1
	case SE:
		return 1, -1
	}
	return 0, 0
}

// String returns the compass name of the direction
func (d Direction) String() string {
	switch d {
	case NW:
		return "NW"
	case N:
		return "N"
	case NE:
		return "NE"
	case W:
		return "W"
	case E:
		return "E"
	case SW:
		return "SW"
	case S:
		return "S"
	case SE:
		return "SE"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// Neighbor returns the tile one grid step away in direction d.
// ok is false when the step leaves the coordinate domain.
func (a Address) Neighbor(d Direction) (Address, bool) {
	box := a.BBox()
	gridLon, gridLat := GridSize(a.Bits)
	dx, dy := d.step()

	lon := int64(box.LonMin) + int64(gridLon)/2 + dx*int64(gridLon)
	lat := int64(box.LatMin) + int64(gridLat)/2 + dy*int64(gridLat)
	if lon < -MaxLon || lon >= MaxLon || lat < -MaxLat || lat >= MaxLat {
		return Address{}, false
	}
	return FromLonLat(int32(lon), int32(lat), a.Bits), true
}

// Neighbors returns the addresses selected by a neighbour mask in mask order
func (a Address) Neighbors(have uint8) []Address {
	var out []Address
	for _, d := range Directions {
		if have&uint8(d) == 0 {
			continue
		}
		if n, ok := a.Neighbor(d); ok {
			out = append(out, n)
		}
	}
	return out
}

// Cover returns every tile at the given precision intersecting a bound, in
// row-major order from the south-west corner
func Cover(bound orb.Bound, bits uint8) []Address {
	gridLon, gridLat := GridSize(bits)
	first := FromLonLat(ToMicroDegrees(bound.Min.Lon()), ToMicroDegrees(bound.Min.Lat()), bits).BBox()

	maxLon := int64(ToMicroDegrees(bound.Max.Lon()))
	maxLat := int64(ToMicroDegrees(bound.Max.Lat()))

	seen := make(map[uint32]struct{})
	var out []Address
	for lat := int64(first.LatMin) + int64(gridLat)/2; lat < MaxLat && lat-int64(gridLat)/2 <= maxLat; lat += int64(gridLat) {
		for lon := int64(first.LonMin) + int64(gridLon)/2; lon < MaxLon && lon-int64(gridLon)/2 <= maxLon; lon += int64(gridLon) {
			addr := FromLonLat(int32(lon), int32(lat), bits)
			if _, ok := seen[addr.ID]; ok {
				continue
			}
			seen[addr.ID] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
