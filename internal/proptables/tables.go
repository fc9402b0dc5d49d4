// Package proptables holds the static lookup data of the mobile binary format:
// way key ids, per-key enum values, value kind ranges and the node place
// priority list.
package proptables

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/paulmach/osm"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var embedded []byte

// Kind selects how a way property value is encoded
type Kind uint8

const (
	KindNone Kind = iota
	KindEnum
	KindNumeric
	KindDate
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindEnum:
		return "enum"
	case KindNumeric:
		return "numeric"
	case KindDate:
		return "date"
	case KindText:
		return "text"
	}
	return "none"
}

// Key id ranges, upper bounds exclusive
const (
	EnumMin    = 1
	EnumMax    = 127
	NumericMin = 128
	NumericMax = 175
	DateMin    = 176
	DateMax    = 191
	TextMin    = 192
	TextMax    = 255
)

// KindOf returns the value kind of a key id
func KindOf(id uint8) Kind {
	switch {
	case id >= EnumMin && id < EnumMax:
		return KindEnum
	case id >= NumericMin && id < NumericMax:
		return KindNumeric
	case id >= DateMin && id < DateMax:
		return KindDate
	case id >= TextMin && id < TextMax:
		return KindText
	}
	return KindNone
}

// PlaceEntry is one row of the node place priority list
type PlaceEntry struct {
	Match string `yaml:"match"`
	Code  uint8  `yaml:"code"`
}

// File is the YAML layout of a table file
type File struct {
	NodePlaces []PlaceEntry                `yaml:"node_places"`
	NodeKeys   []string                    `yaml:"node_keys"`
	WayKeys    map[string]uint8            `yaml:"way_keys"`
	Enums      map[string]map[string]uint8 `yaml:"enums"`
}

type placeRule struct {
	key   string // empty for bare entries
	value string
	code  uint8
}

// Tables is the parsed, read-only form of a table file
type Tables struct {
	places   []placeRule
	nodeKeys []string
	wayKeys  map[string]uint8
	enums    map[string]map[string]uint8
}

// Load parses the built-in tables
func Load() (*Tables, error) {
	return Parse(embedded)
}

// LoadFile parses tables from a YAML file
func LoadFile(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read property tables: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML table file
func Parse(data []byte) (*Tables, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse property tables YAML: %w", err)
	}

	t := &Tables{
		nodeKeys: f.NodeKeys,
		wayKeys:  f.WayKeys,
		enums:    f.Enums,
	}
	if t.wayKeys == nil {
		t.wayKeys = map[string]uint8{}
	}
	if t.enums == nil {
		t.enums = map[string]map[string]uint8{}
	}

	for i, p := range f.NodePlaces {
		if p.Code == 0 {
			return nil, fmt.Errorf("node_places[%d] %q: code must be non-zero", i, p.Match)
		}
		rule := placeRule{value: p.Match, code: p.Code}
		if k, v, ok := strings.Cut(p.Match, ":"); ok {
			rule.key, rule.value = k, v
		}
		t.places = append(t.places, rule)
	}

	for name, id := range t.wayKeys {
		if KindOf(id) == KindNone {
			return nil, fmt.Errorf("way key %q: id %d is outside every value range", name, id)
		}
	}
	for key := range t.enums {
		id, ok := t.wayKeys[key]
		if !ok || KindOf(id) != KindEnum {
			return nil, fmt.Errorf("enum table %q: not an enum way key", key)
		}
	}
	for _, key := range t.nodeKeys {
		if _, ok := t.WayKeyID(key); !ok {
			return nil, fmt.Errorf("node key %q has no key id", key)
		}
	}

	return t, nil
}

// NodeKeys returns the tag keys kept on nodes
func (t *Tables) NodeKeys() []string {
	return t.nodeKeys
}

// WayKeyID returns the id of a tag key. Keys without an exact entry fall
// back to a "prefix:*" entry.
func (t *Tables) WayKeyID(name string) (uint8, bool) {
	if id, ok := t.wayKeys[name]; ok {
		return id, true
	}
	if prefix, _, ok := strings.Cut(name, ":"); ok {
		id, ok := t.wayKeys[prefix+":*"]
		return id, ok
	}
	return 0, false
}

// EnumValue maps a tag value onto its enum byte
func (t *Tables) EnumValue(key, value string) (uint8, bool) {
	values, ok := t.enums[key]
	if !ok {
		return 0, false
	}
	v, ok := values[value]
	return v, ok
}

// NodePlaceCode returns the place code of the first priority entry
// matched by the tags
func (t *Tables) NodePlaceCode(tags osm.Tags) (uint8, bool) {
	for _, rule := range t.places {
		if rule.key != "" {
			if tags.Find(rule.key) == rule.value {
				return rule.code, true
			}
			continue
		}
		for _, tag := range tags {
			if tag.Value == rule.value {
				return rule.code, true
			}
		}
	}
	return 0, false
}

var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// DateFromText parses "<date>+<suffix>" into a unix time. Values without
// a '+' are rejected.
func DateFromText(text string) (uint32, bool) {
	base, _, ok := strings.Cut(text, "+")
	if !ok {
		return 0, false
	}
	base = strings.TrimSpace(base)

	for _, layout := range dateLayouts {
		ts, err := time.ParseInLocation(layout, base, time.UTC)
		if err != nil {
			continue
		}
		unix := ts.Unix()
		if unix < 0 || unix > math.MaxUint32 {
			return 0, false
		}
		return uint32(unix), true
	}
	return 0, false
}
