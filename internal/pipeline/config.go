package pipeline

import (
	"fmt"
	"os"
	"strings"

	"autocal/internal/classify"
	"autocal/internal/config"
	"autocal/internal/frame"
	"autocal/internal/fsutil"
	"autocal/internal/library"
)

// PipelineConfig is the immutable per-run configuration. The engine never
// reads process-wide settings; everything a run needs is here.
type PipelineConfig struct {
	InputRoot    string
	LibraryRoots []string
	Plan         frame.Plan
	Layout       classify.Layout
	Walk         fsutil.WalkRules
	// Masters lists the kinds the calibrate stage requires.
	Masters      []frame.MasterKind
	Matching     library.Options
	SkipExisting bool
	SecondPass   bool
	Workers      int // frames processed concurrently; <= 1 is sequential
}

// NewConfig validates cfg and derives the run configuration from it.
func NewConfig(cfg *config.Config) (PipelineConfig, error) {
	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	plan, err := cfg.EnabledStages()
	if err != nil {
		return PipelineConfig{}, err
	}
	mode, err := classify.ParsePathMode(cfg.Pipeline.PathMode)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
	}

	roots := make([]string, 0, len(cfg.Library.Roots))
	for _, r := range cfg.Library.Roots {
		roots = append(roots, config.ExpandUser(r))
	}

	return PipelineConfig{
		InputRoot:    config.ExpandUser(cfg.Pipeline.InputRoot),
		LibraryRoots: roots,
		Plan:         plan,
		Layout: classify.Layout{
			Mode:       mode,
			OutputRoot: config.ExpandUser(cfg.Pipeline.OutputRoot),
			Ext:        strings.ToLower(cfg.Pipeline.OutputExtension),
		},
		Walk: fsutil.WalkRules{
			ExcludeNames:      cfg.Pipeline.ExcludeNames,
			ExcludePrefixes:   cfg.Pipeline.ExcludePrefixes,
			ExcludeSubstrings: cfg.Pipeline.ExcludeSubstrings,
			Recursive:         cfg.Pipeline.Recursive,
		},
		Masters:      cfg.CalibrationMasters(),
		Matching:     MatchOptions(cfg),
		SkipExisting: cfg.Pipeline.SkipExisting,
		SecondPass:   cfg.Pipeline.SecondPass,
		Workers:      cfg.Processing.ParallelJobs,
	}, nil
}

// MatchOptions derives the master library layout and tolerances from cfg.
func MatchOptions(cfg *config.Config) library.Options {
	return library.Options{
		Hierarchy: library.Hierarchy{
			UseObserver:   cfg.Library.UseObserver,
			UseTelescope:  cfg.Library.UseTelescope,
			UseCamera:     cfg.Library.UseCamera,
			UseBinning:    cfg.Library.UseBinning,
			BinningFolder: cfg.Library.BinningFolder,
		},
		Tolerances: library.Tolerances{
			TemperatureC:        cfg.Matching.TemperatureTolerance,
			DarkExposureSeconds: cfg.Matching.DarkExposureTolerance,
		},
	}
}

// Validate checks what a run cannot start without.
func (c PipelineConfig) Validate() error {
	if strings.TrimSpace(c.InputRoot) == "" {
		return fmt.Errorf("%w: input root is empty", config.ErrConfigInvalid)
	}
	info, err := os.Stat(c.InputRoot)
	if err != nil {
		return fmt.Errorf("%w: input root: %v", config.ErrConfigInvalid, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: input root %s is not a directory", config.ErrConfigInvalid, c.InputRoot)
	}
	if len(c.Plan.Stages()) == 0 {
		return fmt.Errorf("%w: no stage is enabled", config.ErrConfigInvalid)
	}
	if c.Plan.Enabled(frame.StageCalibrated) && len(c.Masters) > 0 && len(c.LibraryRoots) == 0 {
		return fmt.Errorf("%w: calibration needs at least one library root", config.ErrConfigInvalid)
	}
	if c.Layout.Mode != classify.PathModeAlongside && c.Layout.OutputRoot == "" {
		return fmt.Errorf("%w: path mode %s needs an output root", config.ErrConfigInvalid, c.Layout.Mode)
	}
	if c.Matching.Tolerances.TemperatureC < 0 || c.Matching.Tolerances.DarkExposureSeconds < 0 {
		return fmt.Errorf("%w: negative tolerance", config.ErrConfigInvalid)
	}
	return nil
}
