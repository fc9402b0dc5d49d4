package tileaddr

import (
	"math/rand"
	"testing"

	"github.com/paulmach/orb"
)

func TestClampBits(t *testing.T) {
	tests := []struct {
		in   int
		want uint8
	}{
		{19, 19},
		{24, 24},
		{31, 31},
		{18, 31},
		{32, 31},
		{0, 31},
		{-5, 31},
	}

	for _, tt := range tests {
		if got := ClampBits(tt.in); got != tt.want {
			t.Errorf("ClampBits(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNewAddressMasksID(t *testing.T) {
	a := NewAddress(0xFFFFFFFF, 19)
	if a.Bits != 19 {
		t.Fatalf("Bits = %d, want 19", a.Bits)
	}
	if a.ID != 1<<19-1 {
		t.Errorf("ID = %d, want %d", a.ID, 1<<19-1)
	}
	if s := a.String(); s != "19/524287" {
		t.Errorf("String() = %q", s)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		lon, lat int32
		bits     uint8
		want     uint32
	}{
		{"south-west corner", -MaxLon, -MaxLat, 19, 0},
		{"south-west corner fine", -MaxLon, -MaxLat, 31, 0},
		{"origin", 0, 0, 19, 3 << 17},
		{"origin fine", 0, 0, 31, 3 << 29},
		{"north-east corner", MaxLon - 1, MaxLat - 1, 19, 1<<19 - 1},
		{"north-east corner fine", MaxLon - 1, MaxLat - 1, 31, 1<<31 - 1},
		{"first lon step only", 0, -MaxLat, 19, 1 << 18},
		{"first lat step only", -MaxLon, 0, 19, 1 << 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.lon, tt.lat, tt.bits); got != tt.want {
				t.Errorf("Encode(%d, %d, %d) = %d, want %d", tt.lon, tt.lat, tt.bits, got, tt.want)
			}
		})
	}
}

func TestDecodeCorners(t *testing.T) {
	box := Decode(0, 19)
	gridLon, gridLat := GridSize(19)
	if box.LonMin != -MaxLon || box.LatMin != -MaxLat {
		t.Errorf("Decode(0) min = (%d, %d), want (%d, %d)", box.LonMin, box.LatMin, -MaxLon, -MaxLat)
	}
	if box.LonMax-box.LonMin != gridLon || box.LatMax-box.LatMin != gridLat {
		t.Errorf("Decode(0) size = (%d, %d), want (%d, %d)",
			box.LonMax-box.LonMin, box.LatMax-box.LatMin, gridLon, gridLat)
	}

	box = Decode(3<<17, 19)
	if box.LonMin != 0 || box.LatMin != 0 {
		t.Errorf("Decode(origin tile) min = (%d, %d), want (0, 0)", box.LonMin, box.LatMin)
	}
}

func TestGridSize(t *testing.T) {
	tests := []struct {
		bits             uint8
		wantLon, wantLat int32
	}{
		{19, MaxLon >> 9, MaxLat >> 8},
		{20, MaxLon >> 9, MaxLat >> 9},
		{31, MaxLon >> 15, MaxLat >> 14},
	}

	for _, tt := range tests {
		lon, lat := GridSize(tt.bits)
		if lon != tt.wantLon || lat != tt.wantLat {
			t.Errorf("GridSize(%d) = (%d, %d), want (%d, %d)", tt.bits, lon, lat, tt.wantLon, tt.wantLat)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	// Integer half widths truncate, so points hugging a tile edge may land in
	// the neighbour. Stay a small margin inside the decoded box.
	const margin = 32

	rng := rand.New(rand.NewSource(42))
	for bits := uint8(MinBits); bits <= MaxBits; bits++ {
		for n := 0; n < 200; n++ {
			id := rng.Uint32() & mask(bits)
			box := Decode(id, bits)

			cx, cy := box.Center()
			if got := Encode(cx, cy, bits); got != id {
				t.Fatalf("bits %d: Encode(center of %d) = %d", bits, id, got)
			}

			w := box.LonMax - box.LonMin - 2*margin
			h := box.LatMax - box.LatMin - 2*margin
			lon := box.LonMin + margin + rng.Int31n(w)
			lat := box.LatMin + margin + rng.Int31n(h)
			if !box.Contains(lon, lat) {
				t.Fatalf("bits %d: box %v does not contain (%d, %d)", bits, box, lon, lat)
			}
			if got := Encode(lon, lat, bits); got != id {
				t.Fatalf("bits %d: Encode(%d, %d) = %d, want %d", bits, lon, lat, got, id)
			}
		}
	}
}

func TestRoundTripEdgeSlack(t *testing.T) {
	tests := []struct {
		name     string
		lon, lat int32
		bits     uint8
	}{
		// decoded lon range is [-351563, -1)
		{"sliver west of origin", -1, 0, 19},
		{"origin", 0, 0, 19},
		{"south west corner", -MaxLon, -MaxLat, 31},
		{"north east corner", MaxLon - 1, MaxLat - 1, 31},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := Decode(Encode(tt.lon, tt.lat, tt.bits), tt.bits)
			if tt.lon < box.LonMin || tt.lon >= box.LonMax+EdgeSlack ||
				tt.lat < box.LatMin || tt.lat >= box.LatMax+EdgeSlack {
				t.Errorf("(%d, %d) outside %+v widened by %d", tt.lon, tt.lat, box, EdgeSlack)
			}
		})
	}

	rng := rand.New(rand.NewSource(7))
	for bits := uint8(MinBits); bits <= MaxBits; bits++ {
		for n := 0; n < 20000; n++ {
			lon := rng.Int31n(2*MaxLon) - MaxLon
			lat := rng.Int31n(2*MaxLat) - MaxLat
			box := Decode(Encode(lon, lat, bits), bits)
			if lon < box.LonMin || lon >= box.LonMax+EdgeSlack || lat < box.LatMin || lat >= box.LatMax+EdgeSlack {
				t.Fatalf("bits %d: (%d, %d) outside %+v widened by %d", bits, lon, lat, box, EdgeSlack)
			}
		}
	}
}

// walkAxis steps through the tiles along one axis in Encode order and checks
// each decoded box against the range of values encoding to it. It returns
// the number of tiles seen.
func walkAxis(t *testing.T, bits uint8, alongLon bool) int {
	t.Helper()

	limit := int32(MaxLat)
	if alongLon {
		limit = MaxLon
	}
	encode := func(v int32) uint32 {
		if alongLon {
			return Encode(v, 12345, bits)
		}
		return Encode(12345, v, bits)
	}
	edges := func(id uint32) (int32, int32) {
		box := Decode(id, bits)
		if alongLon {
			return box.LonMin, box.LonMax
		}
		return box.LatMin, box.LatMax
	}

	tiles := 0
	prevMax := -limit
	for v := -limit; v < limit; {
		id := encode(v)
		lo, hi := edges(id)
		if lo < prevMax {
			t.Fatalf("bits %d: tile %d starts at %d, before the previous box ends at %d", bits, id, lo, prevMax)
		}
		if lo-prevMax > EdgeSlack {
			t.Fatalf("bits %d: gap of %d before tile %d", bits, lo-prevMax, id)
		}
		if v < lo || v > lo+EdgeSlack {
			t.Fatalf("bits %d: tile %d decodes from %d, encodes from %d", bits, id, lo, v)
		}
		tiles++
		prevMax = hi

		// skip to the first value of the next tile
		v = hi
		for v < limit && encode(v) == id {
			v++
			if v-hi > EdgeSlack {
				t.Fatalf("bits %d: tile %d encodes beyond %d", bits, id, hi+EdgeSlack)
			}
		}
	}
	return tiles
}

func TestBoundingBoxTiling(t *testing.T) {
	for bits := uint8(MinBits); bits <= MaxBits; bits++ {
		lonSteps := (int(bits) + 1) / 2
		latSteps := int(bits) / 2

		if got := walkAxis(t, bits, true); got != 1<<lonSteps {
			t.Errorf("bits %d: %d tiles along longitude, want %d", bits, got, 1<<lonSteps)
		}
		if got := walkAxis(t, bits, false); got != 1<<latSteps {
			t.Errorf("bits %d: %d tiles along latitude, want %d", bits, got, 1<<latSteps)
		}
	}
}

func TestDirectionBits(t *testing.T) {
	tests := []struct {
		d    Direction
		want uint8
	}{
		{NW, 0x80},
		{N, 0x40},
		{NE, 0x20},
		{W, 0x10},
		{E, 0x08},
		{SW, 0x04},
		{S, 0x02},
		{SE, 0x01},
	}

	for _, tt := range tests {
		if uint8(tt.d) != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.d, uint8(tt.d), tt.want)
		}
	}
}

func TestNeighbor(t *testing.T) {
	a := FromLonLat(ToMicroDegrees(7.42), ToMicroDegrees(43.73), 22)
	box := a.BBox()

	tests := []struct {
		d          Direction
		dLon, dLat int // sign of the expected offset
	}{
		{NW, -1, 1},
		{N, 0, 1},
		{NE, 1, 1},
		{W, -1, 0},
		{E, 1, 0},
		{SW, -1, -1},
		{S, 0, -1},
		{SE, 1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.d.String(), func(t *testing.T) {
			n, ok := a.Neighbor(tt.d)
			if !ok {
				t.Fatalf("Neighbor(%s) not found", tt.d)
			}
			if n.ID == a.ID {
				t.Fatalf("Neighbor(%s) returned the tile itself", tt.d)
			}
			nb := n.BBox()
			if got := sign(nb.LonMin - box.LonMin); got != tt.dLon {
				t.Errorf("Neighbor(%s) lon offset sign = %d, want %d", tt.d, got, tt.dLon)
			}
			if got := sign(nb.LatMin - box.LatMin); got != tt.dLat {
				t.Errorf("Neighbor(%s) lat offset sign = %d, want %d", tt.d, got, tt.dLat)
			}
		})
	}
}

func TestNeighborOutsideDomain(t *testing.T) {
	top := FromLonLat(0, MaxLat-1, 20)
	if _, ok := top.Neighbor(N); ok {
		t.Error("Neighbor(N) of a top row tile should not exist")
	}
	if _, ok := top.Neighbor(S); !ok {
		t.Error("Neighbor(S) of a top row tile should exist")
	}

	west := FromLonLat(-MaxLon, 0, 20)
	for _, d := range []Direction{W, NW, SW} {
		if _, ok := west.Neighbor(d); ok {
			t.Errorf("Neighbor(%s) of a west edge tile should not exist", d)
		}
	}
}

func TestNeighbors(t *testing.T) {
	a := FromLonLat(0, 0, 24)

	if got := a.Neighbors(0); len(got) != 0 {
		t.Errorf("Neighbors(0) = %v, want none", got)
	}

	all := a.Neighbors(0xFF)
	if len(all) != 8 {
		t.Fatalf("Neighbors(0xFF) returned %d tiles, want 8", len(all))
	}
	seen := make(map[uint32]bool)
	for _, n := range all {
		if seen[n.ID] || n.ID == a.ID {
			t.Errorf("duplicate or self neighbour %v", n)
		}
		seen[n.ID] = true
	}

	pair := a.Neighbors(uint8(N | E))
	if len(pair) != 2 {
		t.Fatalf("Neighbors(N|E) returned %d tiles, want 2", len(pair))
	}
	wantN, _ := a.Neighbor(N)
	wantE, _ := a.Neighbor(E)
	if pair[0] != wantN || pair[1] != wantE {
		t.Errorf("Neighbors(N|E) = %v, want [%v %v]", pair, wantN, wantE)
	}
}

func TestCover(t *testing.T) {
	// Monaco
	bound := orb.Bound{Min: orb.Point{7.409, 43.724}, Max: orb.Point{7.440, 43.752}}
	tiles := Cover(bound, 24)
	if len(tiles) == 0 {
		t.Fatal("Cover returned no tiles")
	}

	corner := FromLonLat(ToMicroDegrees(7.409), ToMicroDegrees(43.724), 24)
	if tiles[0] != corner {
		t.Errorf("first tile = %v, want %v", tiles[0], corner)
	}

	for _, tile := range tiles {
		if !tile.BBox().Bound().Intersects(bound) {
			t.Errorf("tile %v (%v) does not intersect %v", tile, tile.BBox(), bound)
		}
	}

	single := Cover(orb.Bound{Min: orb.Point{7.42, 43.73}, Max: orb.Point{7.42, 43.73}}, 24)
	if len(single) != 1 {
		t.Errorf("Cover(point) returned %d tiles, want 1", len(single))
	}
}

func TestBoundingBoxString(t *testing.T) {
	box := BoundingBox{LonMin: 7409000, LatMin: 43724000, LonMax: 7440000, LatMax: 43752000}
	if got, want := box.String(), "7.409000,43.724000,7.440000,43.752000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func sign(v int32) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}
