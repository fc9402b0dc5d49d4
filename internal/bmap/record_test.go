package bmap

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	nodeProps := []byte{14, 192, 3, 'P', 'u', 'b'}
	count, geom := EncodeGeometry([]Point{{7420000, 43730000}, {7420500, 43730500}})
	wayProps := []byte{1, 5, 128, 2, 0, 0, 0, 192, 1, 'A'}
	gen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	steps := []error{
		w.WriteNode(42, 7420000, 43730000, nodeProps),
		w.WriteWay(7, count, geom, wayProps),
		w.WriteFooter(gen),
		w.WriteSuppressed([]uint32{9, 11}),
		w.WriteMarker(true),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if w.Records() != 5 {
		t.Errorf("Records() = %d, want 5", w.Records())
	}
	if w.Written() != int64(buf.Len()) {
		t.Errorf("Written() = %d, want %d", w.Written(), buf.Len())
	}

	records := Records(buf.Bytes())
	if len(records) != 5 {
		t.Fatalf("Records() returned %d records, want 5", len(records))
	}

	node, err := DecodeNode(records[0])
	if err != nil {
		t.Fatalf("DecodeNode() error = %v", err)
	}
	if node.ID != 42 || node.Lon != 7420000 || node.Lat != 43730000 || node.Place != 14 {
		t.Errorf("node = %+v", node)
	}
	if len(node.Props) != 1 || node.Props[0].Key != 192 || node.Props[0].String() != "Pub" {
		t.Errorf("node props = %+v", node.Props)
	}

	way, err := DecodeWay(records[1])
	if err != nil {
		t.Fatalf("DecodeWay() error = %v", err)
	}
	if way.ID != 7 || way.Count != 2 || len(way.Points) != 2 {
		t.Fatalf("way = %+v", way)
	}
	if way.Points[1] != (Point{7420500, 43730500}) {
		t.Errorf("way point 1 = %v", way.Points[1])
	}
	wantProps := []struct {
		key uint8
		val string
	}{{1, "5"}, {128, "2"}, {192, "A"}}
	if len(way.Props) != len(wantProps) {
		t.Fatalf("way props = %+v", way.Props)
	}
	for i, p := range wantProps {
		if way.Props[i].Key != p.key || way.Props[i].String() != p.val {
			t.Errorf("way prop %d = (%d, %s), want (%d, %s)", i, way.Props[i].Key, way.Props[i], p.key, p.val)
		}
	}

	ts, err := DecodeFooter(records[2])
	if err != nil || !ts.Equal(gen) {
		t.Errorf("DecodeFooter() = (%v, %v), want %v", ts, err, gen)
	}

	ids, err := DecodeSuppressed(records[3])
	if err != nil || len(ids) != 2 || ids[0] != 9 || ids[1] != 11 {
		t.Errorf("DecodeSuppressed() = (%v, %v)", ids, err)
	}

	if m, ok := records[4].Marker(); !ok || m != MarkerCache {
		t.Errorf("Marker() = (%q, %v), want %q", m, ok, MarkerCache)
	}
}

func TestMarkerBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := NewWriter(&buf).WriteMarker(false); err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 0, 0, 0, '#', 'F'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("marker = %v, want %v", buf.Bytes(), want)
	}
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteError(CodeUpstreamMalformed, "XML error: bad at line 3"); err != nil {
		t.Fatal(err)
	}

	want := append([]byte{27, 0, 0, 0, 'f', 8, 24}, "XML error: bad at line 3"...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("error record = %v, want %v", buf.Bytes(), want)
	}

	code, msg, err := DecodeError(Records(buf.Bytes())[0])
	if err != nil || code != CodeUpstreamMalformed || msg != "XML error: bad at line 3" {
		t.Errorf("DecodeError() = (%d, %q, %v)", code, msg, err)
	}
}

func TestScanStopsAtTruncatedRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteNode(1, 0, 0, []byte{0, 192, 1, 'a'})
	_ = w.WriteNode(2, 0, 0, []byte{0, 192, 1, 'b'})
	page := buf.Bytes()

	tests := []struct {
		name string
		page []byte
		want int
	}{
		{"complete", page, 2},
		{"cut inside second body", page[:len(page)-2], 1},
		{"cut inside second header", page[:len(page)/2+2], 1},
		{"empty", nil, 0},
		{"zero length header", []byte{0, 0, 0, 0, 'n'}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(Records(tt.page)); got != tt.want {
				t.Errorf("Records() returned %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScanPropagatesCallbackError(t *testing.T) {
	var buf bytes.Buffer
	_ = NewWriter(&buf).WriteFooter(time.Unix(0, 0))

	stop := errors.New("stop")
	err := Scan(buf.Bytes(), func(Record) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Scan() error = %v, want %v", err, stop)
	}
}

func TestRecordID(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteNode(5, 0, 0, []byte{1})
	_ = w.WriteWay(6, 1, make([]byte, 8), nil)
	_ = w.WriteFooter(time.Unix(1, 0))

	records := Records(buf.Bytes())
	tests := []struct {
		want   uint32
		wantOK bool
	}{{5, true}, {6, true}, {0, false}}
	for i, tt := range tests {
		id, ok := records[i].ID()
		if id != tt.want || ok != tt.wantOK {
			t.Errorf("record %d ID() = (%d, %v), want (%d, %v)", i, id, ok, tt.want, tt.wantOK)
		}
	}
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.calls++
	return 0, fmt.Errorf("disk full")
}

func TestWriterStickyError(t *testing.T) {
	fw := &failingWriter{}
	w := NewWriter(fw)
	if err := w.WriteFooter(time.Now()); err == nil {
		t.Fatal("expected write error")
	}
	if err := w.WriteMarker(true); err == nil {
		t.Fatal("expected sticky error")
	}
	if fw.calls != 1 {
		t.Errorf("underlying writer called %d times, want 1", fw.calls)
	}
	if w.Err() == nil {
		t.Error("Err() = nil")
	}
}

func TestErrorMessages(t *testing.T) {
	err := Errorf(CodeUpstreamMalformed, "XML error: %s at line %d", "unexpected EOF", 12)
	if err.ClientMessage() != "XML error: unexpected EOF at line 12" {
		t.Errorf("ClientMessage() = %q", err.ClientMessage())
	}

	cause := errors.New("dial tcp: refused")
	wrapped := fmt.Errorf("fetch: %w", NewError(CodeUpstreamConnectFailed, cause))
	e, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError() did not find the error")
	}
	if e.Code != CodeUpstreamConnectFailed || e.ClientMessage() != "Couldn't connect to API server" {
		t.Errorf("AsError() = %+v", e)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	if _, ok := AsError(cause); ok {
		t.Error("AsError() matched a plain error")
	}
}
