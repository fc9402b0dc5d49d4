package bmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wegman-software/osm2bmap-go/internal/proptables"
)

// Record type tags
const (
	TypeNode       byte = 'n'
	TypeWay        byte = 'w'
	TypeFooter     byte = 't'
	TypeError      byte = 'f'
	TypeSuppressed byte = 'o'
	TypeMarker     byte = '#'
)

// Trailing markers telling where a response came from
const (
	MarkerCache = "#C"
	MarkerFresh = "#F"
)

// Writer appends length-framed records to an io.Writer.
// The first write error is kept and returned by every later call.
type Writer struct {
	w     io.Writer
	buf   []byte
	n     int64
	count int
	err   error
}

// NewWriter creates a record writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, buf: make([]byte, 0, 512)}
}

// Written returns the number of bytes written so far
func (w *Writer) Written() int64 {
	return w.n
}

// Records returns the number of records written so far
func (w *Writer) Records() int {
	return w.count
}

// Err returns the first write error
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) flush() error {
	if w.err != nil {
		return w.err
	}
	n, err := w.w.Write(w.buf)
	w.n += int64(n)
	if err != nil {
		w.err = err
		return err
	}
	w.count++
	return nil
}

// begin starts a record with a length header covering bodyLen bytes
func (w *Writer) begin(bodyLen int) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf[:0], uint32(bodyLen))
}

// WriteNode writes an 'n' record
func (w *Writer) WriteNode(id uint32, lon, lat int32, props []byte) error {
	w.begin(1 + 12 + len(props))
	w.buf = append(w.buf, TypeNode)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, id)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(lon))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(lat))
	w.buf = append(w.buf, props...)
	return w.flush()
}

// WriteWay writes a 'w' record from an already encoded geometry
func (w *Writer) WriteWay(id uint32, count uint32, geometry, props []byte) error {
	w.begin(1 + 8 + len(geometry) + len(props))
	w.buf = append(w.buf, TypeWay)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, id)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, count)
	w.buf = append(w.buf, geometry...)
	w.buf = append(w.buf, props...)
	return w.flush()
}

// WriteFooter writes the 't' record carrying the generation time
func (w *Writer) WriteFooter(t time.Time) error {
	w.begin(1 + 4)
	w.buf = append(w.buf, TypeFooter)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(t.Unix()))
	return w.flush()
}

// WriteError writes an 'f' record. The message is cut to 255 bytes.
func (w *Writer) WriteError(code Code, msg string) error {
	msg = truncateText(msg, MaxTextLen)
	w.begin(1 + 2 + len(msg))
	w.buf = append(w.buf, TypeError, byte(code), byte(len(msg)))
	w.buf = append(w.buf, msg...)
	return w.flush()
}

// WriteSuppressed writes an 'o' record listing way ids left out of a response
func (w *Writer) WriteSuppressed(ids []uint32) error {
	w.begin(1 + 4*len(ids))
	w.buf = append(w.buf, TypeSuppressed)
	for _, id := range ids {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, id)
	}
	return w.flush()
}

// WriteMarker writes the two byte "#C" or "#F" trailer
func (w *Writer) WriteMarker(fromCache bool) error {
	marker := MarkerFresh
	if fromCache {
		marker = MarkerCache
	}
	w.begin(len(marker))
	w.buf = append(w.buf, marker...)
	return w.flush()
}

// WriteRecord copies a record read from another page
func (w *Writer) WriteRecord(r Record) error {
	w.buf = append(w.buf[:0], r.Raw...)
	return w.flush()
}

// Record is one length-framed record of a page
type Record struct {
	Type byte
	Body []byte // bytes after the type tag
	Raw  []byte // the whole record, length header included
}

// ID returns the element id of a node or way record
func (r Record) ID() (uint32, bool) {
	if (r.Type != TypeNode && r.Type != TypeWay) || len(r.Body) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.Body), true
}

// Scan calls fn for every complete record of page in order. A truncated
// trailing record ends the scan silently; errors come only from fn.
func Scan(page []byte, fn func(Record) error) error {
	for len(page) >= 4 {
		n := int(binary.LittleEndian.Uint32(page))
		if n == 0 || n > len(page)-4 {
			return nil
		}
		raw := page[:4+n]
		if err := fn(Record{Type: raw[4], Body: raw[5:], Raw: raw}); err != nil {
			return err
		}
		page = page[4+n:]
	}
	return nil
}

// Records returns the complete records of a page
func Records(page []byte) []Record {
	var out []Record
	_ = Scan(page, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out
}

// ErrShortRecord is returned when a record body is too small for its type
var ErrShortRecord = errors.New("record body too short")

// Property is one decoded entry of a property blob
type Property struct {
	Key   uint8
	Kind  proptables.Kind
	Value []byte // enum byte, 4 byte integer, or text without its length byte
}

// Int returns a numeric or date value
func (p Property) Int() int64 {
	if len(p.Value) != 4 {
		if len(p.Value) == 1 {
			return int64(p.Value[0])
		}
		return 0
	}
	v := binary.LittleEndian.Uint32(p.Value)
	if p.Kind == proptables.KindNumeric {
		return int64(int32(v))
	}
	return int64(v)
}

// String returns the value formatted by kind
func (p Property) String() string {
	switch p.Kind {
	case proptables.KindText:
		return string(p.Value)
	case proptables.KindDate:
		return time.Unix(p.Int(), 0).UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%d", p.Int())
}

// NodeRecord is a decoded 'n' record
type NodeRecord struct {
	ID    uint32
	Lon   int32
	Lat   int32
	Place uint8
	Props []Property
}

// DecodeNode decodes an 'n' record. Node properties are always text.
func DecodeNode(r Record) (*NodeRecord, error) {
	if r.Type != TypeNode {
		return nil, fmt.Errorf("not a node record: %q", r.Type)
	}
	if len(r.Body) < 13 {
		return nil, ErrShortRecord
	}
	n := &NodeRecord{
		ID:    binary.LittleEndian.Uint32(r.Body[0:]),
		Lon:   int32(binary.LittleEndian.Uint32(r.Body[4:])),
		Lat:   int32(binary.LittleEndian.Uint32(r.Body[8:])),
		Place: r.Body[12],
	}

	blob := r.Body[13:]
	for len(blob) > 0 {
		if len(blob) < 2 || len(blob) < 2+int(blob[1]) {
			return nil, fmt.Errorf("node %d: %w", n.ID, ErrShortRecord)
		}
		size := int(blob[1])
		n.Props = append(n.Props, Property{Key: blob[0], Kind: proptables.KindText, Value: blob[2 : 2+size]})
		blob = blob[2+size:]
	}
	return n, nil
}

// WayRecord is a decoded 'w' record
type WayRecord struct {
	ID     uint32
	Count  uint32
	Points []Point
	Props  []Property
}

// DecodeWay decodes a 'w' record. The key id range tells each value's size.
func DecodeWay(r Record) (*WayRecord, error) {
	if r.Type != TypeWay {
		return nil, fmt.Errorf("not a way record: %q", r.Type)
	}
	if len(r.Body) < 8 {
		return nil, ErrShortRecord
	}
	w := &WayRecord{
		ID:    binary.LittleEndian.Uint32(r.Body[0:]),
		Count: binary.LittleEndian.Uint32(r.Body[4:]),
	}

	points, n, err := DecodeGeometry(w.Count, r.Body[8:])
	if err != nil {
		return nil, fmt.Errorf("way %d: %w", w.ID, err)
	}
	w.Points = points

	blob := r.Body[8+n:]
	for len(blob) > 0 {
		key := blob[0]
		kind := proptables.KindOf(key)
		var size, skip int
		switch kind {
		case proptables.KindEnum:
			size = 1
		case proptables.KindNumeric, proptables.KindDate:
			size = 4
		case proptables.KindText:
			if len(blob) < 2 {
				return nil, fmt.Errorf("way %d: %w", w.ID, ErrShortRecord)
			}
			size, skip = int(blob[1]), 1
		default:
			return nil, fmt.Errorf("way %d: unknown key id %d", w.ID, key)
		}
		if len(blob) < 1+skip+size {
			return nil, fmt.Errorf("way %d: %w", w.ID, ErrShortRecord)
		}
		w.Props = append(w.Props, Property{Key: key, Kind: kind, Value: blob[1+skip : 1+skip+size]})
		blob = blob[1+skip+size:]
	}
	return w, nil
}

// DecodeFooter returns the generation time of a 't' record
func DecodeFooter(r Record) (time.Time, error) {
	if r.Type != TypeFooter {
		return time.Time{}, fmt.Errorf("not a footer record: %q", r.Type)
	}
	if len(r.Body) < 4 {
		return time.Time{}, ErrShortRecord
	}
	return time.Unix(int64(binary.LittleEndian.Uint32(r.Body)), 0).UTC(), nil
}

// DecodeError returns the code and message of an 'f' record
func DecodeError(r Record) (Code, string, error) {
	if r.Type != TypeError {
		return 0, "", fmt.Errorf("not an error record: %q", r.Type)
	}
	if len(r.Body) < 2 || len(r.Body) < 2+int(r.Body[1]) {
		return 0, "", ErrShortRecord
	}
	return Code(r.Body[0]), string(r.Body[2 : 2+int(r.Body[1])]), nil
}

// DecodeSuppressed returns the way ids of an 'o' record
func DecodeSuppressed(r Record) ([]uint32, error) {
	if r.Type != TypeSuppressed {
		return nil, fmt.Errorf("not a suppressed-ways record: %q", r.Type)
	}
	if len(r.Body)%4 != 0 {
		return nil, ErrShortRecord
	}
	ids := make([]uint32, 0, len(r.Body)/4)
	for off := 0; off < len(r.Body); off += 4 {
		ids = append(ids, binary.LittleEndian.Uint32(r.Body[off:]))
	}
	return ids, nil
}

// Marker returns the text of a "#C"/"#F" trailer record
func (r Record) Marker() (string, bool) {
	if r.Type != TypeMarker || len(r.Raw) != 6 {
		return "", false
	}
	return string(r.Raw[4:]), true
}
