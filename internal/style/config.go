package style

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osm2bmap-go/internal/bmap"
)

//go:embed profiles.yaml
var embedded []byte

// Config represents the client profile configuration
type Config struct {
	// Default names the profile used when no signature matches
	Default string `yaml:"default"`
	// Profiles are tried in order
	Profiles []Profile `yaml:"profiles"`
}

// Profile is the way-key allow-list of one kind of client
type Profile struct {
	Name string `yaml:"name"`
	// Signature is matched as a substring of the User-Agent
	Signature string `yaml:"signature"`
	// Keys may contain "prefix:*" patterns
	Keys []string `yaml:"keys"`
}

// LoadConfig loads a profile configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	return parseConfig(data)
}

// DefaultConfig returns the built-in profiles
func DefaultConfig() *Config {
	cfg, err := parseConfig(embedded)
	if err != nil {
		panic(fmt.Sprintf("built-in profiles: %v", err))
	}
	return cfg
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse profiles YAML: %w", err)
	}
	return &cfg, nil
}

type compiled struct {
	name      string
	signature string
	keys      bmap.KeySet
}

// Profiles selects allow-lists by client identity
type Profiles struct {
	profiles []compiled
	fallback compiled
}

// NewProfiles compiles a configuration
func NewProfiles(cfg *Config) (*Profiles, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("no client profiles configured")
	}

	p := &Profiles{}
	found := false
	for _, prof := range cfg.Profiles {
		if prof.Name == "" {
			return nil, fmt.Errorf("client profile without a name")
		}
		c := compiled{name: prof.Name, signature: prof.Signature, keys: bmap.NewKeySet(prof.Keys...)}
		if prof.Name == cfg.Default {
			p.fallback = c
			found = true
		}
		if prof.Signature != "" {
			p.profiles = append(p.profiles, c)
		}
	}
	if !found {
		return nil, fmt.Errorf("default profile %q is not defined", cfg.Default)
	}
	return p, nil
}

// Load returns the built-in profiles, or the ones in path when set
func Load(path string) (*Profiles, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	return NewProfiles(cfg)
}

// Select returns the name and keys of the first profile whose signature
// occurs in userAgent, or the default profile
func (p *Profiles) Select(userAgent string) (string, bmap.KeySet) {
	for _, c := range p.profiles {
		if strings.Contains(userAgent, c.signature) {
			return c.name, c.keys
		}
	}
	return p.fallback.name, p.fallback.keys
}

// Lookup returns a profile by name
func (p *Profiles) Lookup(name string) (bmap.KeySet, bool) {
	if p.fallback.name == name {
		return p.fallback.keys, true
	}
	for _, c := range p.profiles {
		if c.name == name {
			return c.keys, true
		}
	}
	return bmap.KeySet{}, false
}
