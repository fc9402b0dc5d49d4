package tilecache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestPath(t *testing.T) {
	c := newTestCache(t)
	a := tileaddr.NewAddress(123456, 21)
	want := filepath.Join(c.Root(), "21", "123456")
	if got := c.Path(a); got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		age     time.Duration
		wantHit bool
	}{
		{"just written", 0, true},
		{"one second inside window", DefaultTTL - time.Second, true},
		{"one second past window", DefaultTTL + time.Second, false},
		{"a day old", 24 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(t)
			c.now = func() time.Time { return now }
			a := tileaddr.NewAddress(42, 19)

			if err := os.MkdirAll(filepath.Dir(c.Path(a)), 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(c.Path(a), []byte("page"), 0644); err != nil {
				t.Fatal(err)
			}
			mtime := now.Add(-tt.age)
			if err := os.Chtimes(c.Path(a), mtime, mtime); err != nil {
				t.Fatal(err)
			}

			out, err := c.TryBeginBuild(a, false)
			if err != nil {
				t.Fatalf("TryBeginBuild() error = %v", err)
			}
			if out.Hit() != tt.wantHit {
				t.Errorf("Hit() = %v, want %v", out.Hit(), tt.wantHit)
			}
			if out.Hit() && string(out.Page) != "page" {
				t.Errorf("Page = %q", out.Page)
			}
			if out.Build != nil {
				out.Build.Abort()
			}
		})
	}
}

func TestNoCacheForcesBuild(t *testing.T) {
	c := newTestCache(t)
	a := tileaddr.NewAddress(7, 20)

	out, err := c.TryBeginBuild(a, false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Hit() {
		t.Fatal("empty cache reported a hit")
	}
	if err := out.Build.Commit([]byte("v1")); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	out, err = c.TryBeginBuild(a, true)
	if err != nil {
		t.Fatal(err)
	}
	if out.Hit() {
		t.Fatal("noCache returned a cached page")
	}
	if err := out.Build.Commit([]byte("v2")); err != nil {
		t.Fatal(err)
	}

	page, ok, err := c.Read(a)
	if err != nil || !ok || string(page) != "v2" {
		t.Errorf("Read() = %q, %v, %v", page, ok, err)
	}
}

func TestAbortWritesNothing(t *testing.T) {
	c := newTestCache(t)
	a := tileaddr.NewAddress(99, 25)

	out, err := c.TryBeginBuild(a, false)
	if err != nil {
		t.Fatal(err)
	}
	out.Build.Abort()
	out.Build.Abort()

	if _, ok, _ := c.Read(a); ok {
		t.Error("aborted build left a page")
	}
	if err := out.Build.Commit([]byte("late")); err == nil {
		t.Error("Commit() after Abort() should fail")
	}

	// the lock is free again
	out, err = c.TryBeginBuild(a, false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Hit() {
		t.Error("expected a build after abort")
	}
	out.Build.Abort()
}

func TestSingleWriter(t *testing.T) {
	c := newTestCache(t)
	a := tileaddr.NewAddress(0x5a5a5, 21)

	var builds, hits, active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.TryBeginBuild(a, false)
			if err != nil {
				t.Error(err)
				return
			}
			if out.Hit() {
				hits.Add(1)
				return
			}
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			builds.Add(1)
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			if err := out.Build.Commit([]byte("page")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("builds = %d, want 1", builds.Load())
	}
	if hits.Load() != 7 {
		t.Errorf("hits = %d, want 7", hits.Load())
	}
	if maxActive.Load() != 1 {
		t.Errorf("concurrent builders = %d, want 1", maxActive.Load())
	}
}

func TestLockFailure(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	// a regular file where the precision directory should be
	if err := os.WriteFile(filepath.Join(dir, "19"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = c.TryBeginBuild(tileaddr.NewAddress(1, 19), false)
	e, ok := bmap.AsError(err)
	if !ok || e.Code != bmap.CodeCacheLockFailed {
		t.Errorf("TryBeginBuild() error = %v, want code %d", err, bmap.CodeCacheLockFailed)
	}
}

func TestReadMissing(t *testing.T) {
	c := newTestCache(t)
	page, ok, err := c.Read(tileaddr.NewAddress(5, 30))
	if err != nil || ok || page != nil {
		t.Errorf("Read() = %q, %v, %v", page, ok, err)
	}
	f, err := c.Open(tileaddr.NewAddress(5, 30))
	if err != nil || f != nil {
		t.Errorf("Open() = %v, %v", f, err)
	}
}

func TestRemove(t *testing.T) {
	c := newTestCache(t)
	a := tileaddr.NewAddress(77, 22)

	if removed, err := c.Remove(a); err != nil || removed {
		t.Errorf("Remove() on empty cache = %v, %v", removed, err)
	}

	out, err := c.TryBeginBuild(a, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Build.Commit([]byte("page")); err != nil {
		t.Fatal(err)
	}

	removed, err := c.Remove(a)
	if err != nil || !removed {
		t.Errorf("Remove() = %v, %v, want true", removed, err)
	}
	if _, ok, _ := c.Read(a); ok {
		t.Error("page still cached after Remove()")
	}
}
