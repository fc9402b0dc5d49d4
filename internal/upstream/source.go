package upstream

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Source is a map-data API answering bbox queries with OSM XML
type Source struct {
	Name        string
	MapURL      string // endpoint taking ?bbox=minlon,minlat,maxlon,maxlat
	Description string
}

// Predefined map API sources
var (
	SourceOSM = &Source{
		Name:        "osm",
		MapURL:      "https://api.openstreetmap.org/api/0.6/map",
		Description: "OpenStreetMap main API",
	}

	SourceDev = &Source{
		Name:        "dev",
		MapURL:      "https://master.apis.dev.openstreetmap.org/api/0.6/map",
		Description: "OpenStreetMap development API",
	}

	SourceOverpass = &Source{
		Name:        "overpass",
		MapURL:      "https://overpass-api.de/api/map",
		Description: "Overpass API map call",
	}
)

var presets = map[string]*Source{
	"osm":      SourceOSM,
	"api":      SourceOSM,
	"dev":      SourceDev,
	"osm-dev":  SourceDev,
	"overpass": SourceOverpass,
}

// QueryURL returns the request URL for a bbox argument
func (s *Source) QueryURL(bbox string) string {
	sep := "?"
	if strings.Contains(s.MapURL, "?") {
		sep = "&"
	}
	return s.MapURL + sep + "bbox=" + bbox
}

// ParseSource parses a source string and returns a Source
// Formats:
//   - "osm", "dev", "overpass"
//   - Custom URL: "https://example.com/api/0.6/map"
func ParseSource(s string) (*Source, error) {
	s = strings.TrimSpace(s)

	if src, ok := presets[strings.ToLower(s)]; ok {
		return src, nil
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid upstream URL %q", s)
		}
		return &Source{
			Name:        "custom",
			MapURL:      strings.TrimSuffix(s, "/"),
			Description: "Custom map API",
		}, nil
	}

	return nil, fmt.Errorf("unknown upstream source: %s", s)
}

// ListSources returns a list of all predefined sources
func ListSources() []string {
	seen := make(map[*Source]bool)
	var out []string
	for _, src := range presets {
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, fmt.Sprintf("%-9s - %s (%s)", src.Name, src.Description, src.MapURL))
	}
	sort.Strings(out)
	return out
}
