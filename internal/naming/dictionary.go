// Package naming normalizes free-text header values into canonical tokens and
// holds the pattern table used to recognise calibration master files.
package naming

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"autocal/internal/frame"
)

// Preset carries per-camera defaults applied when a header omits a field.
type Preset struct {
	Binning     int      `yaml:"binning"`
	Temperature *float64 `yaml:"temperature"`
	Mono        *bool    `yaml:"mono"`
}

// PatternSpec is the on-disk form of one pattern table row.
type PatternSpec struct {
	Directory string `yaml:"directory"`
	File      string `yaml:"file"`
	Fallback  string `yaml:"fallback"`
}

// DictionaryFile is the YAML document loaded by LoadDictionary.
type DictionaryFile struct {
	Cameras     map[string]string      `yaml:"cameras"`
	Filters     map[string]string      `yaml:"filters"`
	Presets     map[string]Preset      `yaml:"presets"`
	Patterns    map[string]PatternSpec `yaml:"patterns"`
	Temperature string                 `yaml:"temperature_pattern"`
	Date        string                 `yaml:"date_pattern"`
}

// Dictionary is the immutable alias/preset/pattern set loaded once at startup.
type Dictionary struct {
	cameras  map[string]string
	filters  map[string]string
	presets  map[string]Preset
	patterns *PatternTable
}

var defaultFilterAliases = map[string]string{
	"l":         "L",
	"lum":       "L",
	"luminance": "L",
	"clear":     "L",
	"r":         "R",
	"red":       "R",
	"g":         "G",
	"green":     "G",
	"b":         "B",
	"blue":      "B",
	"ha":        "Ha",
	"halpha":    "Ha",
	"oiii":      "OIII",
	"o3":        "OIII",
	"sii":       "SII",
	"s2":        "SII",
}

// DefaultDictionary returns the built-in aliases and pattern table.
func DefaultDictionary() *Dictionary {
	d, err := NewDictionary(DictionaryFile{})
	if err != nil {
		// built-in patterns are constants
		panic(err)
	}
	return d
}

// NewDictionary merges a parsed dictionary document over the defaults.
func NewDictionary(f DictionaryFile) (*Dictionary, error) {
	d := &Dictionary{
		cameras: make(map[string]string),
		filters: make(map[string]string),
		presets: make(map[string]Preset),
	}
	for k, v := range defaultFilterAliases {
		d.filters[k] = v
	}
	for k, v := range f.Filters {
		d.filters[aliasKey(k)] = v
	}
	for k, v := range f.Cameras {
		d.cameras[aliasKey(k)] = v
	}
	for k, v := range f.Presets {
		d.presets[aliasKey(k)] = v
	}

	specs := DefaultPatternSpecs()
	for kind, spec := range f.Patterns {
		mk := frame.MasterKind(kind)
		base, ok := specs[mk]
		if !ok {
			return nil, fmt.Errorf("dictionary: unknown master kind %q", kind)
		}
		if spec.Directory != "" {
			base.Directory = spec.Directory
		}
		if spec.File != "" {
			base.File = spec.File
		}
		if spec.Fallback != "" {
			base.Fallback = spec.Fallback
		}
		specs[mk] = base
	}
	temp, date := defaultTemperaturePattern, defaultDatePattern
	if f.Temperature != "" {
		temp = f.Temperature
	}
	if f.Date != "" {
		date = f.Date
	}
	table, err := CompilePatterns(specs, temp, date)
	if err != nil {
		return nil, fmt.Errorf("dictionary: %w", err)
	}
	d.patterns = table
	return d, nil
}

// LoadDictionary reads a YAML dictionary file. A missing file yields the
// built-in dictionary.
func LoadDictionary(path string) (*Dictionary, error) {
	if path == "" {
		return DefaultDictionary(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultDictionary(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	var f DictionaryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dictionary yaml: %w", err)
	}
	return NewDictionary(f)
}

// Patterns returns the master file pattern table.
func (d *Dictionary) Patterns() *PatternTable { return d.patterns }
