package config

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// PreloadFile is the document shape of server.preload.file.
type PreloadFile struct {
	Queries []PreloadQuery `koanf:"queries"`
}

// PreloadQuery is one warm-up query.
type PreloadQuery struct {
	Lat      float64        `koanf:"lat"`
	Lng      float64        `koanf:"lng"`
	RadiusKm float64        `koanf:"radiusKm"`
	Filter   map[string]any `koanf:"filter"`
}

// LoadPreload parses a YAML, JSON or TOML preload document and validates
// every query in it.
func LoadPreload(path string) ([]PreloadQuery, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load preload %s: %w", path, err)
	}
	var doc PreloadFile
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: decode preload %s: %w", path, err)
	}
	for i, q := range doc.Queries {
		if err := q.validate(); err != nil {
			return nil, fmt.Errorf("config: preload %s query %d: %w", path, i, err)
		}
	}
	return doc.Queries, nil
}

func (q PreloadQuery) validate() error {
	if math.IsNaN(q.Lat) || q.Lat < -90 || q.Lat > 90 {
		return fmt.Errorf("lat out of range: %v", q.Lat)
	}
	if math.IsNaN(q.Lng) || q.Lng < -180 || q.Lng > 180 {
		return fmt.Errorf("lng out of range: %v", q.Lng)
	}
	if !(q.RadiusKm > 0) || math.IsInf(q.RadiusKm, 0) {
		return fmt.Errorf("radiusKm must be positive: %v", q.RadiusKm)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported preload file extension %s", ext)
	}
}
