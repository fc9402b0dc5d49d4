// Package dedup suppresses ways a client already received with a
// neighbouring tile.
package dedup

import (
	"fmt"
	"sort"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
	"github.com/wegman-software/osm2bmap-go/internal/tilecache"
)

// KnownWaySet holds the ids of ways the client already has
type KnownWaySet map[uint32]struct{}

// Contains reports whether id is known
func (s KnownWaySet) Contains(id uint32) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the known ids in ascending order
func (s KnownWaySet) IDs() []uint32 {
	ids := make([]uint32, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// KnownWays collects the way ids of the cached neighbour pages selected by
// have. Neighbour pages are read without locking; a page that is missing or
// cannot be read contributes nothing.
func KnownWays(cache *tilecache.Cache, addr tileaddr.Address, have uint8, log *zap.Logger) KnownWaySet {
	if log == nil {
		log = zap.NewNop()
	}
	known := make(KnownWaySet)
	if have == 0 {
		return known
	}

	for _, n := range addr.Neighbors(have) {
		count, err := scanPage(cache, n, known)
		if err != nil {
			log.Warn("Failed to read neighbour page",
				zap.Stringer("neighbour", n),
				zap.Error(err))
			continue
		}
		log.Debug("Read neighbour page",
			zap.Stringer("neighbour", n),
			zap.Int("ways", count))
	}
	return known
}

// scanPage maps one cached page read-only and adds its way ids to known
func scanPage(cache *tilecache.Cache, addr tileaddr.Address, known KnownWaySet) (int, error) {
	f, err := cache.Open(addr)
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat page: %w", err)
	}
	if info.Size() == 0 {
		return 0, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to mmap page: %w", err)
	}
	defer data.Unmap()

	return collectWays(data, known), nil
}

// collectWays adds the id of every 'w' record of page to known
func collectWays(page []byte, known KnownWaySet) int {
	count := 0
	_ = bmap.Scan(page, func(r bmap.Record) error {
		if r.Type != bmap.TypeWay {
			return nil
		}
		if id, ok := r.ID(); ok {
			known[id] = struct{}{}
			count++
		}
		return nil
	})
	return count
}

// Filter copies the records of page to w, dropping ways whose id is known.
// If any way was dropped, one 'o' record listing the dropped ids follows.
func Filter(page []byte, known KnownWaySet, w *bmap.Writer) ([]uint32, error) {
	var suppressed []uint32
	err := bmap.Scan(page, func(r bmap.Record) error {
		if r.Type == bmap.TypeWay && len(known) > 0 {
			if id, ok := r.ID(); ok && known.Contains(id) {
				suppressed = append(suppressed, id)
				return nil
			}
		}
		return w.WriteRecord(r)
	})
	if err != nil {
		return suppressed, err
	}
	if len(suppressed) > 0 {
		if err := w.WriteSuppressed(suppressed); err != nil {
			return suppressed, err
		}
	}
	return suppressed, nil
}
