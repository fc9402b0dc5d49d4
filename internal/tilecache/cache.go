// Package tilecache stores generated tile pages on disk, one file per tile
// address, with a per-tile exclusive file lock guarding regeneration.
package tilecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

// DefaultTTL is how long a page counts as fresh
const DefaultTTL = 8 * time.Hour

// Cache is a directory of tile pages laid out as <root>/<bits>/<id>
type Cache struct {
	root string
	ttl  time.Duration
	now  func() time.Time
}

// Outcome is the result of TryBeginBuild: exactly one of Page and Build is set
type Outcome struct {
	Page    []byte
	ModTime time.Time
	Build   *Build
}

// Hit reports whether the outcome is a cached page
func (o Outcome) Hit() bool {
	return o.Build == nil
}

// New creates a cache rooted at dir. A non-positive ttl selects DefaultTTL.
func New(dir string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{root: dir, ttl: ttl, now: time.Now}, nil
}

// Root returns the cache directory
func (c *Cache) Root() string {
	return c.root
}

// TTL returns the freshness window
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Path returns the page file of a tile
func (c *Cache) Path(a tileaddr.Address) string {
	return filepath.Join(c.root, strconv.Itoa(int(a.Bits)), strconv.FormatUint(uint64(a.ID), 10))
}

// Fresh reports whether a page modified at mtime is still inside the
// freshness window
func (c *Cache) Fresh(mtime time.Time) bool {
	return mtime.Add(c.ttl).After(c.now())
}

// TryBeginBuild takes the tile's lock, blocking until it is available.
// Unless noCache is set, a fresh page is returned as a hit and the lock is
// released. Otherwise the returned Build holds the lock and the caller must
// Commit or Abort it. Lock failures are reported as CacheLockFailed.
func (c *Cache) TryBeginBuild(a tileaddr.Address, noCache bool) (Outcome, error) {
	path := c.Path(a)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Outcome{}, bmap.NewError(bmap.CodeCacheLockFailed, err)
	}

	lock, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return Outcome{}, bmap.NewError(bmap.CodeCacheLockFailed, err)
	}
	if err := flock(lock); err != nil {
		lock.Close()
		return Outcome{}, bmap.NewError(bmap.CodeCacheLockFailed, err)
	}

	if !noCache {
		if info, err := os.Stat(path); err == nil && c.Fresh(info.ModTime()) {
			page, err := os.ReadFile(path)
			if err == nil {
				unlock(lock)
				return Outcome{Page: page, ModTime: info.ModTime()}, nil
			}
		}
	}

	return Outcome{Build: &Build{path: path, lock: lock}}, nil
}

// Read returns a snapshot of a cached page without locking. Pages are
// replaced by rename, so a reader sees either the old or the new content.
func (c *Cache) Read(a tileaddr.Address) ([]byte, bool, error) {
	page, err := os.ReadFile(c.Path(a))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

// Open opens a cached page for reading. It returns a nil file when the page
// does not exist.
func (c *Cache) Open(a tileaddr.Address) (*os.File, error) {
	f, err := os.Open(c.Path(a))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return f, err
}

// Stat returns the modification time of a cached page
func (c *Cache) Stat(a tileaddr.Address) (time.Time, bool) {
	info, err := os.Stat(c.Path(a))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Remove deletes the cached page of a tile, waiting for a running build of
// it to finish first. It reports whether a page was removed.
func (c *Cache) Remove(a tileaddr.Address) (bool, error) {
	path := c.Path(a)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	lock, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return false, bmap.NewError(bmap.CodeCacheLockFailed, err)
	}
	if err := flock(lock); err != nil {
		lock.Close()
		return false, bmap.NewError(bmap.CodeCacheLockFailed, err)
	}
	defer unlock(lock)

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Build is an exclusive claim on regenerating one tile
type Build struct {
	path string
	lock *os.File
	once sync.Once
}

// Path returns the page file being built
func (b *Build) Path() string {
	return b.path
}

// Commit replaces the page with page and releases the lock
func (b *Build) Commit(page []byte) error {
	err := errors.New("build already finished")
	b.once.Do(func() {
		defer unlock(b.lock)
		err = writeAtomic(b.path, page)
	})
	return err
}

// Abort releases the lock without writing. It is safe to call after Commit.
func (b *Build) Abort() {
	b.once.Do(func() {
		unlock(b.lock)
	})
}

// writeAtomic writes data to a temporary file and renames it over path
func writeAtomic(path string, data []byte) error {
	tmpFile := path + ".tmp"
	out, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}

	_, err = out.Write(data)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	// Rename to final name
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

func flock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
	}
}

// unlock releases the lock by closing the lock file
func unlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}
