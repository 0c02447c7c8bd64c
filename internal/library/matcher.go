// Package library locates calibration masters (bias, dark, flat) for a frame in
// a calibration library tree.
package library

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"autocal/internal/frame"
	"autocal/internal/fsutil"
	"autocal/internal/header"
	"autocal/internal/naming"
)

// ErrNoMasterFound marks a stage that could not run for lack of a master. The
// matcher itself reports absence with ok == false; the engine wraps this into
// result reasons.
var ErrNoMasterFound = errors.New("no matching master found")

// Hierarchy selects which descriptor fields become library sub-directories.
// Levels are appended in the order observer, telescope, camera, binning.
type Hierarchy struct {
	UseObserver   bool
	UseTelescope  bool
	UseCamera     bool
	UseBinning    bool
	BinningFolder string // fmt template, e.g. "bin%d"
}

// Tolerances bound how far a master may deviate from the frame.
type Tolerances struct {
	// TemperatureC is the largest accepted |master - frame| sensor temperature.
	TemperatureC float64
	// DarkExposureSeconds is how much shorter than the frame a dark may be.
	DarkExposureSeconds float64
}

// Options configures a Matcher.
type Options struct {
	Hierarchy  Hierarchy
	Tolerances Tolerances
}

// Matcher answers master queries against library roots. Directory listings
// are cached until Invalidate; the cache is safe for concurrent use.
type Matcher struct {
	opts     Options
	norm     *naming.Normalizer
	patterns *naming.PatternTable
	reader   header.MetadataReader
	log      *slog.Logger

	mu       sync.Mutex
	listings map[string][]os.DirEntry
}

// NewMatcher builds a matcher. reader is optional and only consulted for bias
// masters whose names carry no binning.
func NewMatcher(opts Options, norm *naming.Normalizer, reader header.MetadataReader, logger *slog.Logger) *Matcher {
	if norm == nil {
		norm = naming.NewNormalizer(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Hierarchy.BinningFolder == "" {
		opts.Hierarchy.BinningFolder = "bin%d"
	}
	return &Matcher{
		opts:     opts,
		norm:     norm,
		patterns: norm.Patterns(),
		reader:   reader,
		log:      logger,
		listings: make(map[string][]os.DirEntry),
	}
}

// Invalidate drops cached directory listings, e.g. between passes.
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	m.listings = make(map[string][]os.DirEntry)
	m.mu.Unlock()
}

// ResolveDir composes the library directory for f. Disabled levels are skipped,
// and so are enabled levels whose value is unknown.
func (m *Matcher) ResolveDir(root string, f frame.Descriptor) string {
	h := m.opts.Hierarchy
	parts := []string{root}
	if h.UseObserver && f.Observer != "" {
		parts = append(parts, f.Observer)
	}
	if h.UseTelescope && f.Telescope != "" {
		parts = append(parts, f.Telescope)
	}
	if h.UseCamera && f.Camera != "" {
		parts = append(parts, f.Camera)
	}
	if h.UseBinning {
		parts = append(parts, fmt.Sprintf(h.BinningFolder, binningOf(f)))
	}
	return filepath.Join(parts...)
}

// FindBias returns the bias master for f under root.
func (m *Matcher) FindBias(root string, f frame.Descriptor) (frame.MasterCandidate, bool) {
	return m.Find(frame.MasterBias, root, f)
}

// FindDark returns the dark master for f under root.
func (m *Matcher) FindDark(root string, f frame.Descriptor) (frame.MasterCandidate, bool) {
	return m.Find(frame.MasterDark, root, f)
}

// FindFlat returns the flat master for f under root.
func (m *Matcher) FindFlat(root string, f frame.Descriptor) (frame.MasterCandidate, bool) {
	return m.Find(frame.MasterFlat, root, f)
}

// Find dispatches on kind. ok is false when no candidate satisfies the rules.
func (m *Matcher) Find(kind frame.MasterKind, root string, f frame.Descriptor) (frame.MasterCandidate, bool) {
	cands := m.Candidates(kind, root, f)
	switch kind {
	case frame.MasterBias:
		return selectBias(cands, f)
	case frame.MasterDark:
		return selectDark(cands, f, m.opts.Tolerances)
	case frame.MasterFlat:
		return selectFlat(cands, f)
	}
	return frame.MasterCandidate{}, false
}

// FindInRoots searches each root in order and returns the first hit.
func (m *Matcher) FindInRoots(kind frame.MasterKind, roots []string, f frame.Descriptor) (frame.MasterCandidate, bool) {
	for _, root := range roots {
		if c, ok := m.Find(kind, root, f); ok {
			return c, true
		}
	}
	return frame.MasterCandidate{}, false
}

// Candidates lists every master of kind in f's library directory, before any
// binning or tolerance filtering. The directory itself, kind folders beneath
// it ("darks", "MasterFlat") and dated folders one level further down are
// searched. A dated folder's date applies to masters without a date of their own.
func (m *Matcher) Candidates(kind frame.MasterKind, root string, f frame.Descriptor) []frame.MasterCandidate {
	base := m.ResolveDir(root, f)
	var out []frame.MasterCandidate
	m.scan(kind, base, f, nil, 0, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

const maxScanDepth = 2

func (m *Matcher) scan(kind frame.MasterKind, dir string, f frame.Descriptor, dirDate *time.Time, depth int, out *[]frame.MasterCandidate) {
	entries := m.list(dir)
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dir, name)
		if e.IsDir() {
			if depth >= maxScanDepth {
				continue
			}
			childDate := dirDate
			if tok, ok := m.patterns.Date(name); ok {
				if t := header.ParseDate(tok); !t.IsZero() {
					childDate = &t
				}
			}
			if m.patterns.IsKindDir(kind, name) || childDate != dirDate {
				m.scan(kind, path, f, childDate, depth+1, out)
			}
			continue
		}
		if !fsutil.IsFrameFile(path) {
			continue
		}
		if c, ok := m.candidate(kind, path, f, dirDate); ok {
			*out = append(*out, c)
		}
	}
}

func (m *Matcher) list(dir string) []os.DirEntry {
	m.mu.Lock()
	entries, ok := m.listings[dir]
	m.mu.Unlock()
	if ok {
		return entries
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		m.log.Warn("library directory unreadable", "dir", dir, "error", err)
	}
	m.mu.Lock()
	m.listings[dir] = entries
	m.mu.Unlock()
	return entries
}

func (m *Matcher) candidate(kind frame.MasterKind, path string, f frame.Descriptor, dirDate *time.Time) (frame.MasterCandidate, bool) {
	name := filepath.Base(path)
	caps, strict := m.patterns.Match(kind, name)
	if !strict {
		var ok bool
		if caps, ok = m.patterns.MatchFallback(kind, name); !ok {
			return frame.MasterCandidate{}, false
		}
	}

	c := frame.MasterCandidate{Path: path, Kind: kind}
	if v, err := strconv.Atoi(caps[naming.GroupBinning]); err == nil {
		c.Binning = v
	} else {
		c.Binning = m.fallbackBinning(path, f)
	}
	if v, err := strconv.ParseFloat(caps[naming.GroupTemperature], 64); err == nil {
		c.Temperature = frame.Float(v)
	}
	if v, err := strconv.ParseFloat(caps[naming.GroupExposure], 64); err == nil {
		c.ExposureSeconds = frame.Float(v)
	}
	if raw := caps[naming.GroupFilter]; raw != "" {
		c.Filter = m.norm.Filter(raw)
	}
	if tok := caps[naming.GroupDate]; tok != "" {
		if t := header.ParseDate(tok); !t.IsZero() {
			c.DateCreated = &t
		}
	}
	if c.DateCreated == nil && dirDate != nil {
		d := *dirDate
		c.DateCreated = &d
	}
	return c, true
}

// fallbackBinning is used for masters matched by a loose pattern: the binning
// folder already pins it, then the file's own header, then 1x1.
func (m *Matcher) fallbackBinning(path string, f frame.Descriptor) int {
	if m.opts.Hierarchy.UseBinning {
		return binningOf(f)
	}
	if m.reader != nil {
		if fields, err := m.reader.Read(path); err == nil {
			if b, ok := header.Binning(fields); ok {
				return b
			}
		} else {
			m.log.Debug("master header unreadable", "path", path, "error", err)
		}
	}
	return 1
}

func binningOf(f frame.Descriptor) int {
	if f.Binning < 1 {
		return 1
	}
	return f.Binning
}
