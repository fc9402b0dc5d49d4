// Package bmap implements the OSM Mobile Binary tile format: node and way
// property encoding, delta-coded way geometry and the length-framed records
// a tile page is made of.
package bmap

import (
	"sort"
	"strings"

	"github.com/paulmach/osm"
)

// Point is a coordinate in microdegrees
type Point struct {
	Lon int32
	Lat int32
}

// Node is an upstream node reduced to what the tile format carries
type Node struct {
	ID        uint32
	Lon       int32 // microdegrees
	Lat       int32 // microdegrees
	Timestamp string
	Tags      osm.Tags
}

// Point returns the node position
func (n *Node) Point() Point {
	return Point{Lon: n.Lon, Lat: n.Lat}
}

// Way is an upstream way with unresolved node references
type Way struct {
	ID        uint32
	Timestamp string
	Refs      []uint32
	Tags      osm.Tags
}

// Fixme is the tag value placeholder that is never encoded
const Fixme = "FIXME"

// KeySet is an allow-list of tag keys. Entries ending in ":*" match every
// key sharing the prefix, so "name:*" matches "name:de".
type KeySet struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewKeySet creates a key set from exact keys and "prefix:*" patterns
func NewKeySet(keys ...string) KeySet {
	s := KeySet{exact: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if prefix, ok := strings.CutSuffix(k, "*"); ok && strings.HasSuffix(prefix, ":") {
			s.prefixes = append(s.prefixes, prefix)
			continue
		}
		s.exact[k] = struct{}{}
	}
	return s
}

// Contains reports whether key is allowed
func (s KeySet) Contains(key string) bool {
	if _, ok := s.exact[key]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Len returns the number of entries in the set
func (s KeySet) Len() int {
	return len(s.exact) + len(s.prefixes)
}

// Keys returns the entries of the set in sorted order, patterns included
func (s KeySet) Keys() []string {
	keys := make([]string, 0, s.Len())
	for k := range s.exact {
		keys = append(keys, k)
	}
	for _, p := range s.prefixes {
		keys = append(keys, p+"*")
	}
	sort.Strings(keys)
	return keys
}
