// Package classify derives a frame's pipeline stage from where it lives and how
// it is named, and computes where each stage writes its output.
package classify

import (
	"fmt"
	"path/filepath"
	"strings"

	"autocal/internal/frame"
	"autocal/internal/fsutil"
	"autocal/internal/naming"
)

// PathMode selects the output directory structure.
type PathMode string

const (
	// PathModeAlongside writes stage folders next to the source frame.
	PathModeAlongside PathMode = "alongside"
	// PathModeFlat writes <output>/<stage>/.
	PathModeFlat PathMode = "flat"
	// PathModePerObject writes <output>/<object>/<stage>/.
	PathModePerObject PathMode = "per-object"
)

// ParsePathMode validates a path mode string. Empty means alongside.
func ParsePathMode(s string) (PathMode, error) {
	switch PathMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", PathModeAlongside:
		return PathModeAlongside, nil
	case PathModeFlat:
		return PathModeFlat, nil
	case PathModePerObject, "final", "final-results":
		return PathModePerObject, nil
	}
	return "", fmt.Errorf("unknown path mode %q", s)
}

// Layout describes where stage outputs go.
type Layout struct {
	Mode       PathMode
	OutputRoot string
	// Ext is the output extension including the dot; empty keeps the input's.
	Ext string
}

// Classifier maps paths to stages and stages to paths.
type Classifier struct {
	layout Layout
}

// New returns a classifier for the given layout.
func New(layout Layout) *Classifier {
	if layout.Mode == "" {
		layout.Mode = PathModeAlongside
	}
	return &Classifier{layout: layout}
}

// Layout returns the classifier's output layout.
func (c *Classifier) Layout() Layout { return c.layout }

// Classify returns the stage a file has reached: the later of the stage named by
// its containing folder and the stage named by its suffix chain.
func (c *Classifier) Classify(path string) frame.Stage {
	stage := frame.StageOriginal
	if s, ok := frame.StageByFolder(filepath.Base(filepath.Dir(path))); ok {
		stage = s
	}
	if s, ok := suffixStage(fsutil.Stem(path)); ok && s > stage {
		stage = s
	}
	return stage
}

// suffixStage reads the trailing run of stage suffixes ("x_c_cc_r"). The run
// must be strictly increasing and either start with the calibrated suffix or
// hold at least two tokens, so a lone "_R" filter tag is not read as a stage.
func suffixStage(stem string) (frame.Stage, bool) {
	tokens := strings.Split(stem, "_")
	if len(tokens) < 2 {
		return frame.StageOriginal, false
	}
	var chain []frame.Stage
	for i := len(tokens) - 1; i > 0; i-- {
		s, ok := frame.StageBySuffix(tokens[i])
		if !ok {
			break
		}
		if len(chain) > 0 && s >= chain[len(chain)-1] {
			break
		}
		chain = append(chain, s)
	}
	if len(chain) == 0 {
		return frame.StageOriginal, false
	}
	earliest := chain[len(chain)-1]
	if earliest != frame.StageCalibrated && len(chain) < 2 {
		return frame.StageOriginal, false
	}
	return chain[0], true
}

// ExpectedOutputPath is where target's output for f is written. target must be
// later than f.Stage.
func (c *Classifier) ExpectedOutputPath(f frame.Descriptor, target frame.Stage) string {
	ext := c.layout.Ext
	if ext == "" {
		ext = filepath.Ext(f.Path)
	}
	name := fsutil.Stem(f.Path) + "_" + target.Suffix() + ext
	return filepath.Join(c.StageDir(f, target), name)
}

// StageDir is the folder target's output for f lands in.
func (c *Classifier) StageDir(f frame.Descriptor, target frame.Stage) string {
	switch c.layout.Mode {
	case PathModeFlat:
		return filepath.Join(c.layout.OutputRoot, target.Folder())
	case PathModePerObject:
		obj := naming.Token(f.Object)
		if obj == "" {
			obj = "unknown"
		}
		return filepath.Join(c.layout.OutputRoot, obj, target.Folder())
	default:
		return filepath.Join(baseDir(f.Path), target.Folder())
	}
}

// baseDir is the directory a frame's stage folders hang from: its own directory
// for an original, the stage folder's parent otherwise.
func baseDir(path string) string {
	dir := filepath.Dir(path)
	if _, ok := frame.StageByFolder(filepath.Base(dir)); ok {
		return filepath.Dir(dir)
	}
	return dir
}
