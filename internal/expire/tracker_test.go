package expire

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

func TestExpirePoint(t *testing.T) {
	tr := NewTracker(19, 21)
	tr.ExpirePoint(7.4246, 43.7384)
	tr.ExpirePoint(7.4246, 43.7384)

	if got := tr.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	for bits, n := range tr.CountByBits() {
		if n != 1 {
			t.Errorf("bits %d: count = %d, want 1", bits, n)
		}
	}

	want := tileaddr.FromLonLat(tileaddr.ToMicroDegrees(7.4246), tileaddr.ToMicroDegrees(43.7384), 21)
	tiles := tr.Tiles()
	if tiles[2] != want {
		t.Errorf("Tiles()[2] = %s, want %s", tiles[2], want)
	}
}

func TestExpireBound(t *testing.T) {
	b := orb.Bound{Min: orb.Point{7.40, 43.72}, Max: orb.Point{7.44, 43.75}}

	tr := NewTracker(21, 19)
	tr.ExpireBound(b)

	counts := tr.CountByBits()
	for bits := uint8(19); bits <= 21; bits++ {
		if want := len(tileaddr.Cover(b, bits)); counts[bits] != want {
			t.Errorf("bits %d: count = %d, want %d", bits, counts[bits], want)
		}
	}

	// inverted bounds are ignored
	empty := NewTracker(19, 19)
	empty.ExpireBound(orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{0, 0}})
	if empty.Count() != 0 {
		t.Errorf("inverted bound expired %d tiles", empty.Count())
	}
}

func TestParseTile(t *testing.T) {
	tests := []struct {
		input   string
		want    tileaddr.Address
		wantErr bool
	}{
		{input: "21/123456", want: tileaddr.NewAddress(123456, 21)},
		{input: "31/4294967295", want: tileaddr.NewAddress(4294967295, 31)},
		{input: "123456", wantErr: true},
		{input: "18/1", wantErr: true},
		{input: "21/x", wantErr: true},
		{input: "21/4294967296", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTile(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseTile(%q) expected error", tt.input)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseTile(%q) = %s, %v, want %s", tt.input, got, err, tt.want)
			}
		})
	}
}

func TestWriteAndRead(t *testing.T) {
	tr := NewTracker(19, 31)
	tr.Add(tileaddr.NewAddress(9, 20), tileaddr.NewAddress(5, 19), tileaddr.NewAddress(3, 20))

	var buf bytes.Buffer
	if _, err := tr.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if want := "19/5\n20/3\n20/9\n"; buf.String() != want {
		t.Errorf("WriteTo() = %q, want %q", buf.String(), want)
	}

	back := NewTracker(19, 31)
	if _, err := back.ReadFrom(strings.NewReader("# expired\n\n" + buf.String())); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if back.Count() != 3 {
		t.Errorf("ReadFrom() count = %d, want 3", back.Count())
	}

	if _, err := back.ReadFrom(strings.NewReader("20/1\nbogus\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("ReadFrom() error = %v, want line 2", err)
	}
}

func TestWriteToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "expire.list")

	if err := NewTracker(19, 19).WriteToFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("empty tracker created a file")
	}

	tr := NewTracker(19, 19)
	tr.Add(tileaddr.NewAddress(1, 19))
	if err := tr.WriteToFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "19/1\n" {
		t.Errorf("file = %q, %v", data, err)
	}
}

type fakeCache struct {
	pages   map[tileaddr.Address]bool
	removed []tileaddr.Address
	failOn  tileaddr.Address
}

func (f *fakeCache) Remove(a tileaddr.Address) (bool, error) {
	if a == f.failOn {
		return false, errors.New("locked")
	}
	f.removed = append(f.removed, a)
	ok := f.pages[a]
	delete(f.pages, a)
	return ok, nil
}

func TestApply(t *testing.T) {
	a, b, c := tileaddr.NewAddress(1, 20), tileaddr.NewAddress(2, 20), tileaddr.NewAddress(3, 20)

	tr := NewTracker(20, 20)
	tr.Add(a, b, c)

	cache := &fakeCache{pages: map[tileaddr.Address]bool{a: true, c: true}, failOn: tileaddr.Address{Bits: 99}}
	removed, err := tr.Apply(cache)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if removed != 2 || len(cache.removed) != 3 {
		t.Errorf("Apply() removed = %d of %d calls, want 2 of 3", removed, len(cache.removed))
	}

	cache = &fakeCache{pages: map[tileaddr.Address]bool{a: true}, failOn: b}
	removed, err = tr.Apply(cache)
	if err == nil || removed != 1 {
		t.Errorf("Apply() = %d, %v, want 1 and an error", removed, err)
	}
}
