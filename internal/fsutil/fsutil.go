package fsutil

import (
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

var frameExts = map[string]struct{}{
	".fit":  {},
	".fits": {},
	".xisf": {},
}

// WalkRules prunes directories during a walk. Name and prefix rules compare the
// directory's base name exactly; substring rules match anywhere in the base name.
// All comparisons are case-sensitive.
type WalkRules struct {
	ExcludeNames      []string
	ExcludePrefixes   []string
	ExcludeSubstrings []string
	Recursive         bool
}

// Excluded reports whether a directory with base name dir is pruned.
func (r WalkRules) Excluded(dir string) bool {
	for _, n := range r.ExcludeNames {
		if dir == n {
			return true
		}
	}
	for _, p := range r.ExcludePrefixes {
		if p != "" && strings.HasPrefix(dir, p) {
			return true
		}
	}
	for _, s := range r.ExcludeSubstrings {
		if s != "" && strings.Contains(dir, s) {
			return true
		}
	}
	return false
}

// Walk yields frame files under root depth-first. Each call starts a fresh
// traversal, so the sequence can be ranged over any number of times. Read
// errors are yielded with an empty path; stopping the range stops the walk.
// Only IsFrameFile matches are yielded: files whose base name starts with "."
// never appear, which keeps the hidden temporaries operators write from being
// picked up as frames.
func Walk(root string, rules WalkRules) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if !yield("", err) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			}
			if d.IsDir() {
				if path == root {
					return nil
				}
				if !rules.Recursive || rules.Excluded(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !IsFrameFile(path) {
				return nil
			}
			if !yield(path, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// ListFrames collects every frame under root, stopping at the first error.
func ListFrames(root string, rules WalkRules) ([]string, error) {
	var files []string
	for path, err := range Walk(root, rules) {
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}

// IsFrameFile reports whether path carries a FITS or XISF extension. Hidden
// files are ignored so in-flight operator outputs are never picked up.
func IsFrameFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := frameExts[strings.ToLower(filepath.Ext(base))]
	return ok
}

// Exists reports whether a regular file or directory is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir reports whether path is an existing directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// EnsureDir creates dir, failing if a non-directory already occupies the path.
func EnsureDir(dir string) error {
	if stat, err := os.Stat(dir); err == nil {
		if !stat.IsDir() {
			return errors.New("cannot create directory " + dir + ": file exists with same name")
		}
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Stem is the base name without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
