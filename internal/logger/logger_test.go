package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsDefaults(t *testing.T) {
	got := Options{MaxBackups: 2}.withDefaults()
	if got.MaxSizeMB != 50 || got.MaxBackups != 2 || got.MaxAgeDays != 30 {
		t.Errorf("withDefaults() = %+v", got)
	}
}

func TestBuildWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osm2bmap.log")
	l := build(Options{File: path}.withDefaults())
	l.Info("tile served")
	_ = l.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if info.Size() == 0 {
		t.Error("log file is empty")
	}
}
