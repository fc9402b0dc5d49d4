package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat" (degrees)
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bound := orb.Bound{
		Min: orb.Point{coords[0], coords[1]},
		Max: orb.Point{coords[2], coords[3]},
	}

	if bound.Min.Lon() > bound.Max.Lon() {
		return orb.Bound{}, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", bound.Min.Lon(), bound.Max.Lon())
	}
	if bound.Min.Lat() > bound.Max.Lat() {
		return orb.Bound{}, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", bound.Min.Lat(), bound.Max.Lat())
	}
	if bound.Min.Lon() < -180 || bound.Max.Lon() > 180 || bound.Min.Lat() < -90 || bound.Max.Lat() > 90 {
		return orb.Bound{}, fmt.Errorf("bbox %s is outside the lon/lat domain", s)
	}

	return bound, nil
}

// UpstreamConfig describes the map-data API the tiles are generated from
type UpstreamConfig struct {
	// URL is a preset name (osm, dev, overpass) or an http(s) map endpoint
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	UserAgent string        `mapstructure:"user_agent"`
}

// Config holds the global configuration of the tile server and CLI
type Config struct {
	CacheDir string         `mapstructure:"cache_dir"`
	Listen   string         `mapstructure:"listen"`
	Upstream UpstreamConfig `mapstructure:"upstream"`

	BuildTimeout time.Duration `mapstructure:"build_timeout"` // wall-clock budget of one fresh build
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`     // how long a cached page counts as fresh

	ProfilesFile string `mapstructure:"profiles_file"` // client allow-list override (YAML)
	TablesFile   string `mapstructure:"tables_file"`   // property table override (YAML)

	Workers int `mapstructure:"workers"`

	Verbose         bool          `mapstructure:"verbose"`
	LogFile         string        `mapstructure:"log_file"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		CacheDir: "./cache",
		Listen:   ":8080",
		Upstream: UpstreamConfig{
			URL:       "osm",
			Timeout:   20 * time.Minute,
			Retries:   0,
			UserAgent: "osm2bmap-go/1.0",
		},
		BuildTimeout:    20 * time.Minute,
		CacheTTL:        8 * time.Hour,
		Workers:         runtime.NumCPU(),
		MetricsInterval: 30 * time.Second,
	}
}

// flagKeys maps command line flags onto config keys
var flagKeys = map[string]string{
	"cache-dir":        "cache_dir",
	"listen":           "listen",
	"upstream":         "upstream.url",
	"upstream-timeout": "upstream.timeout",
	"upstream-retries": "upstream.retries",
	"user-agent":       "upstream.user_agent",
	"build-timeout":    "build_timeout",
	"cache-ttl":        "cache_ttl",
	"profiles":         "profiles_file",
	"tables":           "tables_file",
	"workers":          "workers",
	"verbose":          "verbose",
	"log-file":         "log_file",
	"metrics-interval": "metrics_interval",
}

// Load builds the configuration from defaults, an optional YAML file,
// OSM2BMAP_* environment variables and the given flags (in increasing priority)
func Load(flags *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("cache_dir", def.CacheDir)
	v.SetDefault("listen", def.Listen)
	v.SetDefault("upstream.url", def.Upstream.URL)
	v.SetDefault("upstream.timeout", def.Upstream.Timeout)
	v.SetDefault("upstream.retries", def.Upstream.Retries)
	v.SetDefault("upstream.user_agent", def.Upstream.UserAgent)
	v.SetDefault("build_timeout", def.BuildTimeout)
	v.SetDefault("cache_ttl", def.CacheTTL)
	v.SetDefault("profiles_file", "")
	v.SetDefault("tables_file", "")
	v.SetDefault("workers", def.Workers)
	v.SetDefault("verbose", false)
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_interval", def.MetricsInterval)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("OSM2BMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []string

	if c.CacheDir == "" {
		errs = append(errs, "cache_dir is required")
	}
	if c.Upstream.URL == "" {
		errs = append(errs, "upstream.url is required")
	}
	if c.Upstream.Retries < 0 {
		errs = append(errs, "upstream.retries must not be negative")
	}
	if c.BuildTimeout <= 0 {
		errs = append(errs, "build_timeout must be positive")
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, "cache_ttl must be positive")
	}
	if c.Workers < 1 {
		errs = append(errs, "workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
