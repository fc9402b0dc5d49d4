// Package expire collects tile addresses touched by changed areas so their
// cached pages can be dropped before the freshness window runs out.
package expire

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2bmap-go/internal/logger"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

// Tracker tracks tiles whose cached pages are out of date
type Tracker struct {
	mu      sync.Mutex
	tiles   map[tileaddr.Address]struct{}
	minBits uint8
	maxBits uint8
}

// NewTracker creates a tracker covering the precisions minBits..maxBits
func NewTracker(minBits, maxBits int) *Tracker {
	lo, hi := tileaddr.ClampBits(minBits), tileaddr.ClampBits(maxBits)
	if lo > hi {
		lo, hi = hi, lo
	}
	return &Tracker{
		tiles:   make(map[tileaddr.Address]struct{}),
		minBits: lo,
		maxBits: hi,
	}
}

// ExpirePoint marks the tiles containing a point at every tracked precision
func (t *Tracker) ExpirePoint(lon, lat float64) {
	mlon, mlat := tileaddr.ToMicroDegrees(lon), tileaddr.ToMicroDegrees(lat)

	t.mu.Lock()
	defer t.mu.Unlock()
	for bits := t.minBits; bits <= t.maxBits; bits++ {
		t.tiles[tileaddr.FromLonLat(mlon, mlat, bits)] = struct{}{}
	}
}

// ExpireBound marks every tile intersecting a bound
func (t *Tracker) ExpireBound(b orb.Bound) {
	if b.Min.Lon() > b.Max.Lon() || b.Min.Lat() > b.Max.Lat() {
		return
	}
	for bits := t.minBits; bits <= t.maxBits; bits++ {
		t.Add(tileaddr.Cover(b, bits)...)
	}
}

// Add marks tiles directly
func (t *Tracker) Add(tiles ...tileaddr.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range tiles {
		t.tiles[a] = struct{}{}
	}
}

// Count returns the number of unique expired tiles
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByBits returns the count of tiles at each precision
func (t *Tracker) CountByBits() map[uint8]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[uint8]int)
	for a := range t.tiles {
		counts[a.Bits]++
	}
	return counts
}

// Tiles returns the expired tiles ordered by precision then id
func (t *Tracker) Tiles() []tileaddr.Address {
	t.mu.Lock()
	tiles := make([]tileaddr.Address, 0, len(t.tiles))
	for a := range t.tiles {
		tiles = append(tiles, a)
	}
	t.mu.Unlock()

	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Bits != tiles[j].Bits {
			return tiles[i].Bits < tiles[j].Bits
		}
		return tiles[i].ID < tiles[j].ID
	})
	return tiles
}

// Remover drops the cached page of one tile
type Remover interface {
	Remove(a tileaddr.Address) (bool, error)
}

// Apply removes the cached page of every tracked tile and returns how many
// pages existed. It stops at the first failure.
func (t *Tracker) Apply(cache Remover) (int, error) {
	removed := 0
	for _, a := range t.Tiles() {
		ok, err := cache.Remove(a)
		if err != nil {
			return removed, fmt.Errorf("failed to expire %s: %w", a, err)
		}
		if ok {
			removed++
		}
	}
	t.summary("Expired cached tiles", zap.Int("removed", removed))
	return removed, nil
}

// WriteTo writes the tracked tiles in bits/id format, one per line
func (t *Tracker) WriteTo(out io.Writer) (int64, error) {
	w := bufio.NewWriter(out)
	var n int64
	for _, a := range t.Tiles() {
		c, err := fmt.Fprintln(w, a.String())
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, w.Flush()
}

// WriteToFile writes the tracked tiles to a file
func (t *Tracker) WriteToFile(filename string) error {
	if t.Count() == 0 {
		logger.Get().Info("No tiles to expire")
		return nil
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create expire file: %w", err)
	}
	defer f.Close()

	if _, err := t.WriteTo(f); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}

	t.summary("Wrote expire tiles", zap.String("file", filename))
	return nil
}

// ReadFrom adds tiles listed in bits/id format. Blank lines and lines
// starting with # are skipped.
func (t *Tracker) ReadFrom(r io.Reader) (int64, error) {
	var n int64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		n += int64(len(sc.Bytes())) + 1
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		a, err := ParseTile(text)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		t.Add(a)
	}
	return n, sc.Err()
}

// ParseTile parses a tile in bits/id format
func ParseTile(s string) (tileaddr.Address, error) {
	bitsStr, idStr, ok := strings.Cut(s, "/")
	if !ok {
		return tileaddr.Address{}, fmt.Errorf("invalid tile %q: expected bits/id", s)
	}
	bits, err := strconv.Atoi(bitsStr)
	if err != nil || bits < tileaddr.MinBits || bits > tileaddr.MaxBits {
		return tileaddr.Address{}, fmt.Errorf("invalid tile precision %q", bitsStr)
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return tileaddr.Address{}, fmt.Errorf("invalid tile id %q", idStr)
	}
	return tileaddr.NewAddress(uint32(id), bits), nil
}

// summary logs the per-precision counts
func (t *Tracker) summary(msg string, extra ...zap.Field) {
	counts := t.CountByBits()
	bits := make([]int, 0, len(counts))
	for b := range counts {
		bits = append(bits, int(b))
	}
	sort.Ints(bits)

	fields := append([]zap.Field{}, extra...)
	for _, b := range bits {
		fields = append(fields, zap.Int(fmt.Sprintf("b%d", b), counts[uint8(b)]))
	}
	fields = append(fields, zap.Int("total", t.Count()))
	logger.Get().Info(msg, fields...)
}
