// Package watch re-triggers pipeline runs when frames or masters appear.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"autocal/internal/fsutil"
)

// Event is a frame file that appeared or changed.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "renamed"
	Time      time.Time `json:"time"`
}

// Trigger is called once per quiet period with the events gathered since the
// previous call.
type Trigger func(ctx context.Context, events []Event)

// Watcher monitors directory trees for new frame files. fsnotify is not
// recursive, so every directory is added individually and new directories are
// picked up as they are created.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *slog.Logger
	rules    map[string]fsutil.WalkRules // root -> pruning rules
	// Ignore filters paths that should not trigger a run, e.g. stage outputs.
	Ignore func(path string) bool
}

// New creates a watcher. Roots are added with Add.
func New(debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:  w,
		debounce: debounce,
		log:      logger,
		rules:    make(map[string]fsutil.WalkRules),
	}, nil
}

// Add watches root and, when rules.Recursive is set, every directory below it
// that rules do not exclude.
func (w *Watcher) Add(root string, rules fsutil.WalkRules) error {
	root = filepath.Clean(root)
	w.rules[root] = rules
	return w.addTree(root, rules)
}

func (w *Watcher) addTree(root string, rules fsutil.WalkRules) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (!rules.Recursive || rules.Excluded(d.Name())) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		w.log.Debug("watching directory", "path", path)
		return nil
	})
}

// Roots lists the watched roots.
func (w *Watcher) Roots() []string {
	out := make([]string, 0, len(w.rules))
	for r := range w.rules {
		out = append(out, r)
	}
	return out
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }

// Run delivers debounced events to trigger until ctx is done. trigger runs on
// the Run goroutine, so events arriving meanwhile are batched into the next call.
func (w *Watcher) Run(ctx context.Context, trigger Trigger) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var pending []Event

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev, ok := w.convert(event); ok {
				pending = append(pending, ev)
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = nil
			w.log.Info("changes detected", "files", len(batch))
			trigger(ctx, batch)
		}
	}
}

// convert filters raw notifications down to frame files and follows new
// directories.
func (w *Watcher) convert(event fsnotify.Event) (Event, bool) {
	var operation string
	switch {
	case event.Op.Has(fsnotify.Create):
		operation = "created"
	case event.Op.Has(fsnotify.Write):
		operation = "modified"
	case event.Op.Has(fsnotify.Rename):
		operation = "renamed"
	default:
		return Event{}, false
	}

	if operation == "created" && fsutil.IsDir(event.Name) {
		if rules, ok := w.rulesFor(event.Name); ok && rules.Recursive && !rules.Excluded(filepath.Base(event.Name)) {
			if err := w.addTree(event.Name, rules); err != nil {
				w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
		return Event{}, false
	}

	if !fsutil.IsFrameFile(event.Name) {
		return Event{}, false
	}
	if w.Ignore != nil && w.Ignore(event.Name) {
		return Event{}, false
	}
	return Event{Path: event.Name, Operation: operation, Time: time.Now()}, true
}

// rulesFor finds the rules of the root that contains path.
func (w *Watcher) rulesFor(path string) (fsutil.WalkRules, bool) {
	best, found := "", false
	var rules fsutil.WalkRules
	for root, r := range w.rules {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(root) > len(best) {
			best, rules, found = root, r, true
		}
	}
	return rules, found
}
