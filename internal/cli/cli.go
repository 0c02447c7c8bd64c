package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"autocal/internal/classify"
	"autocal/internal/config"
	"autocal/internal/frame"
	"autocal/internal/fsutil"
	"autocal/internal/header"
	"autocal/internal/logging"
	"autocal/internal/naming"
	"autocal/internal/pipeline"
	"autocal/internal/server"
	"autocal/internal/storage"
	"autocal/internal/tasks"
)

// Keys under which the CLI remembers the roots of the last run.
const (
	settingLastInput    = "last_input_root"
	settingLastOutput   = "last_output_root"
	settingLibraryRoots = "library_roots"
)

type storeOpener func(path string) (*storage.Store, error)

type operatorFactory func(map[string]config.OperatorConfig) (*tasks.Operators, error)

type serverFunc func(ctx context.Context, srv *server.Server) error

func defaultServe(ctx context.Context, srv *server.Server) error { return srv.Start(ctx) }

// Root wires CLI commands to the engine and its collaborators.
type Root struct {
	cfg          *config.Config
	log          *slog.Logger
	openStore    storeOpener
	newReader    func() header.MetadataReader
	newOperators operatorFactory
	serveFn      serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	if logger == nil {
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	return &Root{
		cfg:          cfg,
		log:          logger,
		openStore:    storage.New,
		newReader:    func() header.MetadataReader { return header.NewReader() },
		newOperators: tasks.NewOperators,
		serveFn:      defaultServe,
	}
}

func (r *Root) store() (*storage.Store, error) {
	path := config.ExpandUser(r.cfg.Paths.DatabasePath)
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	st, err := r.openStore(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return st, nil
}

// optionalStore opens the database for run recording; a failure only costs
// history, so it is logged and the run continues.
func (r *Root) optionalStore() *storage.Store {
	st, err := r.store()
	if err != nil {
		r.log.Warn("run history disabled", "error", err)
		return nil
	}
	return st
}

func (r *Root) normalizer() (*naming.Normalizer, error) {
	dict, err := naming.LoadDictionary(config.ExpandUser(r.cfg.Paths.DictionaryPath))
	if err != nil {
		return nil, err
	}
	return naming.NewNormalizer(dict), nil
}

// services bundles what every engine-driven command needs.
type services struct {
	store  *storage.Store
	norm   *naming.Normalizer
	reader header.MetadataReader
	ops    *tasks.Operators
	engine *pipeline.Engine
}

func (s *services) Close() {
	if s.ops != nil {
		s.ops.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}

func (r *Root) newServices() (*services, error) {
	norm, err := r.normalizer()
	if err != nil {
		return nil, err
	}
	ops, err := r.newOperators(r.cfg.Operators)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
	}
	s := &services{store: r.optionalStore(), norm: norm, reader: r.newReader(), ops: ops}

	deps := pipeline.Deps{
		Describer:  header.NewExtractor(s.reader, norm),
		Operators:  ops,
		Logger:     r.log,
		Normalizer: norm,
		Reader:     s.reader,
	}
	if s.store != nil {
		deps.Recorder = s.store
	}
	s.engine = pipeline.New(deps)
	return s, nil
}

// runOverrides are command-line values that replace configuration for one run.
type runOverrides struct {
	input     string
	output    string
	mode      string
	ext       string
	libraries []string
	stages    []string
	jobs      int
}

// apply copies non-empty overrides onto a copy of the configuration. Roots not
// given anywhere fall back to the ones remembered from the previous run.
func (r *Root) apply(o runOverrides, settings *storage.Settings) (*config.Config, error) {
	cfg := *r.cfg
	cfg.Pipeline.Stages = make(map[string]bool, len(r.cfg.Pipeline.Stages))
	for k, v := range r.cfg.Pipeline.Stages {
		cfg.Pipeline.Stages[k] = v
	}

	if o.input != "" {
		cfg.Pipeline.InputRoot = o.input
	} else if cfg.Pipeline.InputRoot == "" {
		cfg.Pipeline.InputRoot = settings.String(settingLastInput, "")
	}
	if o.output != "" {
		cfg.Pipeline.OutputRoot = o.output
	} else if cfg.Pipeline.OutputRoot == "" {
		cfg.Pipeline.OutputRoot = settings.String(settingLastOutput, "")
	}
	if len(o.libraries) > 0 {
		cfg.Library.Roots = o.libraries
	} else if len(cfg.Library.Roots) == 0 {
		if saved := settings.String(settingLibraryRoots, ""); saved != "" {
			cfg.Library.Roots = filepath.SplitList(saved)
		}
	}
	if o.mode != "" {
		cfg.Pipeline.PathMode = o.mode
	}
	if o.ext != "" {
		cfg.Pipeline.OutputExtension = o.ext
	}
	if o.jobs > 0 {
		cfg.Processing.ParallelJobs = o.jobs
	}
	if len(o.stages) > 0 {
		for k := range cfg.Pipeline.Stages {
			cfg.Pipeline.Stages[k] = false
		}
		for _, name := range o.stages {
			st, err := frame.ParseStage(name)
			if err != nil || st == frame.StageOriginal {
				return nil, fmt.Errorf("%w: --stages: unknown stage %q", config.ErrConfigInvalid, name)
			}
			cfg.Pipeline.Stages[st.String()] = true
		}
	}
	return &cfg, nil
}

// remember stores the roots of a run so the next invocation can omit them.
func (r *Root) remember(settings *storage.Settings, cfg pipeline.PipelineConfig) {
	if settings == nil {
		return
	}
	writes := map[string]string{
		settingLastInput:    cfg.InputRoot,
		settingLastOutput:   cfg.Layout.OutputRoot,
		settingLibraryRoots: strings.Join(cfg.LibraryRoots, string(filepath.ListSeparator)),
	}
	for key, value := range writes {
		if value == "" {
			continue
		}
		if err := settings.Write(key, storage.KindString, value); err != nil {
			r.log.Warn("failed to remember setting", "key", key, "error", err)
		}
	}
}

// settingsOf returns the default settings namespace, or nil without a store.
func settingsOf(st *storage.Store) *storage.Settings {
	if st == nil {
		return nil
	}
	return st.Settings(storage.DefaultNamespace)
}

// describe reads a frame's header when possible and falls back to a bare
// descriptor so path-only inspection still works.
func describe(ex *header.Extractor, path string) (frame.Descriptor, error) {
	d, err := ex.Describe(path)
	if err != nil {
		return frame.Descriptor{Path: path, Binning: 1}, err
	}
	return d, nil
}

func (r *Root) layout() (classify.Layout, error) {
	mode, err := classify.ParsePathMode(r.cfg.Pipeline.PathMode)
	if err != nil {
		return classify.Layout{}, fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
	}
	return classify.Layout{
		Mode:       mode,
		OutputRoot: config.ExpandUser(r.cfg.Pipeline.OutputRoot),
		Ext:        strings.ToLower(r.cfg.Pipeline.OutputExtension),
	}, nil
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
