package header

import (
	"strconv"
	"strings"
	"time"

	"autocal/internal/frame"
	"autocal/internal/naming"
)

// Keyword fallbacks, first present wins.
var (
	keysCamera      = []string{"INSTRUME", "CAMERA"}
	keysTelescope   = []string{"TELESCOP"}
	keysObserver    = []string{"OBSERVER"}
	keysBinning     = []string{"XBINNING", "BINNING", "CCDXBIN"}
	keysTemperature = []string{"CCD-TEMP", "CCD_TEMP", "SET-TEMP", "TEMPERAT"}
	keysExposure    = []string{"EXPTIME", "EXPOSURE"}
	keysFilter      = []string{"FILTER"}
	keysObject      = []string{"OBJECT"}
	keysDate        = []string{"DATE-OBS", "DATE-LOC", "DATE"}
	keysBayer       = []string{"BAYERPAT"}
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Extractor builds frame descriptors from file headers.
type Extractor struct {
	reader MetadataReader
	norm   *naming.Normalizer
}

// NewExtractor wires a metadata reader and a normalizer.
func NewExtractor(reader MetadataReader, norm *naming.Normalizer) *Extractor {
	if norm == nil {
		norm = naming.NewNormalizer(nil)
	}
	return &Extractor{reader: reader, norm: norm}
}

// Describe reads path's header and returns its descriptor. The stage is left at
// StageOriginal; classification is the caller's concern.
func (e *Extractor) Describe(path string) (frame.Descriptor, error) {
	fields, err := e.reader.Read(path)
	if err != nil {
		return frame.Descriptor{}, err
	}
	return e.FromFields(path, fields), nil
}

// FromFields normalizes an already-read header.
func (e *Extractor) FromFields(path string, fields Fields) frame.Descriptor {
	d := frame.Descriptor{
		Path:      path,
		Camera:    e.norm.Camera(first(fields, keysCamera)),
		Telescope: naming.Token(first(fields, keysTelescope)),
		Observer:  naming.Token(first(fields, keysObserver)),
		Filter:    e.norm.Filter(first(fields, keysFilter)),
		Object:    strings.TrimSpace(first(fields, keysObject)),
	}
	if v, ok := parseFloat(first(fields, keysBinning)); ok {
		d.Binning = int(v)
	}
	if v, ok := parseFloat(first(fields, keysTemperature)); ok {
		d.Temperature = frame.Float(v)
	}
	if v, ok := parseFloat(first(fields, keysExposure)); ok {
		d.ExposureSeconds = v
	}
	d.DateObs = ParseDate(first(fields, keysDate))

	// one-shot colour cameras record their CFA; without one the sensor is mono
	mono := first(fields, keysBayer) == ""
	d.Mono = &mono

	if preset, ok := e.norm.Preset(d.Camera); ok {
		if d.Binning == 0 && preset.Binning > 0 {
			d.Binning = preset.Binning
		}
		if d.Temperature == nil && preset.Temperature != nil {
			d.Temperature = frame.Float(*preset.Temperature)
		}
		if preset.Mono != nil {
			m := *preset.Mono
			d.Mono = &m
		}
	}
	if d.Binning == 0 {
		d.Binning = 1
	}
	return d
}

// Binning returns the horizontal binning recorded in a raw header.
func Binning(fields Fields) (int, bool) {
	v, ok := parseFloat(first(fields, keysBinning))
	if !ok || v < 1 {
		return 0, false
	}
	return int(v), true
}

// ParseDate accepts the FITS date forms; unparsable input yields the zero time.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if t, err := time.Parse("20060102", s); err == nil {
		return t
	}
	return time.Time{}
}

func first(fields Fields, keys []string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
