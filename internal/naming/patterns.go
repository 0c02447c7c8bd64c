package naming

import (
	"fmt"
	"regexp"

	"autocal/internal/frame"
)

// Capture group names understood by the matcher.
const (
	GroupBinning     = "binning"
	GroupExposure    = "exposure"
	GroupFilter      = "filter"
	GroupTemperature = "temperature"
	GroupDate        = "date"
)

const (
	defaultTemperaturePattern = `(?i)TEMP[_\s]?(?P<temperature>[+\-]?\d+(?:\.\d+)?)`
	defaultDatePattern        = `(?P<date>(?:19|20)\d{2}-?\d{2}-?\d{2})`
)

// DefaultPatternSpecs is the built-in pattern table. File patterns must carry
// the capture groups their kind is matched on: binning for all kinds, exposure
// for darks and filter for flats.
func DefaultPatternSpecs() map[frame.MasterKind]PatternSpec {
	return map[frame.MasterKind]PatternSpec{
		frame.MasterBias: {
			Directory: `(?i)^(?:master[_\-\s]?)?bias(?:es)?$`,
			File:      `(?i)^(?:master[_\-\s]?)?bias.*?bin(?:ning)?[_\-\s]?(?P<binning>[1-4])`,
			Fallback:  `(?i)^(?:master[_\-\s]?)?bias`,
		},
		frame.MasterDark: {
			Directory: `(?i)^(?:master[_\-\s]?)?darks?$`,
			File:      `(?i)^(?:master[_\-\s]?)?dark.*?(?:EXPTIME|EXP)[_\-\s]?(?P<exposure>\d+(?:\.\d+)?).*?bin(?:ning)?[_\-\s]?(?P<binning>[1-4])`,
		},
		frame.MasterFlat: {
			Directory: `(?i)^(?:master[_\-\s]?)?flats?$`,
			File:      `(?i)^(?:master[_\-\s]?)?flat.*?FILTER[_\-\s](?P<filter>[A-Za-z0-9]+).*?bin(?:ning)?[_\-\s]?(?P<binning>[1-4])`,
		},
	}
}

// KindPattern is one compiled row of the pattern table.
type KindPattern struct {
	Directory *regexp.Regexp
	File      *regexp.Regexp
	Fallback  *regexp.Regexp
}

// PatternTable maps each master kind to its directory and file patterns, plus
// the free-standing temperature and date tokens searched in any name.
type PatternTable struct {
	kinds       map[frame.MasterKind]KindPattern
	temperature *regexp.Regexp
	date        *regexp.Regexp
}

var requiredGroups = map[frame.MasterKind][]string{
	frame.MasterBias: {GroupBinning},
	frame.MasterDark: {GroupBinning, GroupExposure},
	frame.MasterFlat: {GroupBinning, GroupFilter},
}

// CompilePatterns validates and compiles a pattern table.
func CompilePatterns(specs map[frame.MasterKind]PatternSpec, temperature, date string) (*PatternTable, error) {
	t := &PatternTable{kinds: make(map[frame.MasterKind]KindPattern, len(specs))}
	for kind, spec := range specs {
		var kp KindPattern
		var err error
		if kp.Directory, err = compileOptional(spec.Directory); err != nil {
			return nil, fmt.Errorf("%s directory pattern: %w", kind, err)
		}
		if kp.File, err = regexp.Compile(spec.File); err != nil {
			return nil, fmt.Errorf("%s file pattern: %w", kind, err)
		}
		for _, g := range requiredGroups[kind] {
			if kp.File.SubexpIndex(g) < 0 {
				return nil, fmt.Errorf("%s file pattern lacks capture group %q", kind, g)
			}
		}
		if kp.Fallback, err = compileOptional(spec.Fallback); err != nil {
			return nil, fmt.Errorf("%s fallback pattern: %w", kind, err)
		}
		t.kinds[kind] = kp
	}
	var err error
	if t.temperature, err = regexp.Compile(temperature); err != nil {
		return nil, fmt.Errorf("temperature pattern: %w", err)
	}
	if t.temperature.SubexpIndex(GroupTemperature) < 0 {
		return nil, fmt.Errorf("temperature pattern lacks capture group %q", GroupTemperature)
	}
	if t.date, err = regexp.Compile(date); err != nil {
		return nil, fmt.Errorf("date pattern: %w", err)
	}
	if t.date.SubexpIndex(GroupDate) < 0 {
		return nil, fmt.Errorf("date pattern lacks capture group %q", GroupDate)
	}
	return t, nil
}

func compileOptional(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// Captures holds named groups extracted from a file or directory name.
type Captures map[string]string

// IsKindDir reports whether a directory name holds masters of kind.
func (t *PatternTable) IsKindDir(kind frame.MasterKind, name string) bool {
	kp, ok := t.kinds[kind]
	return ok && kp.Directory != nil && kp.Directory.MatchString(name)
}

// Match applies kind's file pattern to a base name.
func (t *PatternTable) Match(kind frame.MasterKind, name string) (Captures, bool) {
	kp, ok := t.kinds[kind]
	if !ok {
		return nil, false
	}
	return t.apply(kp.File, name)
}

// MatchFallback applies kind's looser pattern, if it has one.
func (t *PatternTable) MatchFallback(kind frame.MasterKind, name string) (Captures, bool) {
	kp, ok := t.kinds[kind]
	if !ok || kp.Fallback == nil {
		return nil, false
	}
	return t.apply(kp.Fallback, name)
}

// Date extracts a date token from any name, typically a dated library folder.
func (t *PatternTable) Date(name string) (string, bool) {
	m := t.date.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[t.date.SubexpIndex(GroupDate)], true
}

func (t *PatternTable) apply(re *regexp.Regexp, name string) (Captures, bool) {
	m := re.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	caps := Captures{}
	for i, g := range re.SubexpNames() {
		if g != "" && m[i] != "" {
			caps[g] = m[i]
		}
	}
	if _, ok := caps[GroupTemperature]; !ok {
		if tm := t.temperature.FindStringSubmatch(name); tm != nil {
			caps[GroupTemperature] = tm[t.temperature.SubexpIndex(GroupTemperature)]
		}
	}
	if _, ok := caps[GroupDate]; !ok {
		if d, ok := t.Date(name); ok {
			caps[GroupDate] = d
		}
	}
	return caps, true
}
