package bmap

import (
	"encoding/binary"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2bmap-go/internal/proptables"
)

// MaxTextLen is the longest value a length byte can describe
const MaxTextLen = 255

type property struct {
	id    uint8
	value []byte
}

// Encoder encodes node and way property blobs.
// The returned slices are reused by the next call.
type Encoder struct {
	tables   *proptables.Tables
	nodeKeys KeySet
	buf      []byte
	props    []property
}

// NewEncoder creates an encoder keeping the node keys listed in the tables
func NewEncoder(tables *proptables.Tables) *Encoder {
	return &Encoder{
		tables:   tables,
		nodeKeys: NewKeySet(tables.NodeKeys()...),
		buf:      make([]byte, 0, 256),
	}
}

// Tables returns the property tables used by the encoder
func (e *Encoder) Tables() *proptables.Tables {
	return e.tables
}

// Reset clears the buffer for reuse
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
	e.props = e.props[:0]
}

// EncodeNodeProps encodes a node property blob: the place code byte followed
// by (key id, length, value) for every kept tag. eligible is false when the
// node has neither a place code nor a kept tag and must not be emitted.
func (e *Encoder) EncodeNodeProps(tags osm.Tags) (blob []byte, eligible bool) {
	e.Reset()

	code, _ := e.tables.NodePlaceCode(tags)
	for _, tag := range tags {
		if tag.Value == Fixme || !e.nodeKeys.Contains(tag.Key) {
			continue
		}
		id, ok := e.tables.WayKeyID(tag.Key)
		if !ok {
			continue
		}
		e.setProp(id, appendText(nil, tag.Value))
	}

	e.buf = append(e.buf, code)
	e.appendProps()
	return e.buf, code != 0 || len(e.props) > 0
}

// EncodeWayProps encodes the properties of a way restricted to the allowed
// keys. The value kind of each key id decides the value layout.
func (e *Encoder) EncodeWayProps(tags osm.Tags, allowed KeySet) []byte {
	e.Reset()

	for _, tag := range tags {
		if tag.Value == Fixme || !allowed.Contains(tag.Key) {
			continue
		}
		id, ok := e.tables.WayKeyID(tag.Key)
		if !ok {
			continue
		}

		switch proptables.KindOf(id) {
		case proptables.KindEnum:
			v, ok := e.tables.EnumValue(tag.Key, tag.Value)
			if !ok {
				continue
			}
			e.setProp(id, []byte{v})
		case proptables.KindNumeric:
			n, ok := leadingInt(tag.Value)
			if !ok {
				continue
			}
			e.setProp(id, binary.LittleEndian.AppendUint32(nil, uint32(n)))
		case proptables.KindDate:
			ts, ok := proptables.DateFromText(tag.Value)
			if !ok {
				continue
			}
			e.setProp(id, binary.LittleEndian.AppendUint32(nil, ts))
		case proptables.KindText:
			e.setProp(id, appendText(nil, tag.Value))
		}
	}

	e.appendProps()
	return e.buf
}

// setProp keeps the position of the first occurrence of a key id and the
// value of the last one
func (e *Encoder) setProp(id uint8, value []byte) {
	for i := range e.props {
		if e.props[i].id == id {
			e.props[i].value = value
			return
		}
	}
	e.props = append(e.props, property{id: id, value: value})
}

func (e *Encoder) appendProps() {
	for _, p := range e.props {
		e.buf = append(e.buf, p.id)
		e.buf = append(e.buf, p.value...)
	}
}

// appendText appends a length byte and the value cut to MaxTextLen bytes
func appendText(dst []byte, s string) []byte {
	s = truncateText(s, MaxTextLen)
	dst = append(dst, byte(len(s)))
	return append(dst, s...)
}

// truncateText cuts s to at most n bytes without splitting a rune
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// leadingInt parses the signed integer prefix of a tag value ("50 mph",
// "-1", "3.5"), saturating at the int32 range
func leadingInt(s string) (int32, bool) {
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return 0, false
	}

	n, err := strconv.ParseInt(s[:i], 10, 32)
	if err != nil {
		if s[0] == '-' {
			return math.MinInt32, true
		}
		return math.MaxInt32, true
	}
	return int32(n), true
}
