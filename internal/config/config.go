package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autocal/internal/classify"
	"autocal/internal/frame"
)

const (
	defaultConfigPath = "~/.config/autocal/config.json"
	defaultParallel   = 1
)

// EnvConfigPath overrides the configuration file location.
const EnvConfigPath = "AUTOCAL_CONFIG"

// ErrConfigInvalid wraps every validation failure; a run never starts with an
// invalid configuration.
var ErrConfigInvalid = errors.New("invalid configuration")

// Operator kinds.
const (
	OperatorCommand = "command"
	OperatorMagick  = "magick"
	OperatorCopy    = "copy"
)

// Config holds user-editable settings.
type Config struct {
	Processing Processing                `json:"processing"`
	Logging    Logging                   `json:"logging"`
	Paths      Paths                     `json:"paths"`
	Pipeline   Pipeline                  `json:"pipeline"`
	Library    Library                   `json:"library"`
	Matching   Matching                  `json:"matching"`
	Operators  map[string]OperatorConfig `json:"operators"` // keyed by stage name
	Server     Server                    `json:"server"`
	Watch      Watch                     `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // frames processed concurrently
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures auxiliary files.
type Paths struct {
	DatabasePath   string `json:"database_path"`
	DictionaryPath string `json:"dictionary_path"`
}

// Pipeline configures discovery and the stage chain.
type Pipeline struct {
	InputRoot         string          `json:"input_root"`
	OutputRoot        string          `json:"output_root"`
	PathMode          string          `json:"path_mode"`        // alongside, flat, per-object
	OutputExtension   string          `json:"output_extension"` // empty keeps the input extension
	SkipExisting      bool            `json:"skip_existing"`
	SecondPass        bool            `json:"second_pass"`
	Recursive         bool            `json:"recursive"`
	Stages            map[string]bool `json:"stages"`
	ExcludeNames      []string        `json:"exclude_names"`
	ExcludePrefixes   []string        `json:"exclude_prefixes"`
	ExcludeSubstrings []string        `json:"exclude_substrings"`
}

// Library describes the calibration master tree.
type Library struct {
	Roots         []string `json:"roots"`
	UseObserver   bool     `json:"use_observer"`
	UseTelescope  bool     `json:"use_telescope"`
	UseCamera     bool     `json:"use_camera"`
	UseBinning    bool     `json:"use_binning"`
	BinningFolder string   `json:"binning_folder"`
	UseBias       bool     `json:"use_bias"`
	UseDark       bool     `json:"use_dark"`
	UseFlat       bool     `json:"use_flat"`
}

// Matching holds master selection tolerances.
type Matching struct {
	TemperatureTolerance  float64 `json:"temperature_tolerance"`   // °C
	DarkExposureTolerance float64 `json:"dark_exposure_tolerance"` // seconds a dark may be shorter
}

// OperatorConfig selects the implementation behind one stage.
type OperatorConfig struct {
	Kind    string   `json:"kind"` // command, magick, copy; empty is copy
	Command string   `json:"command"`
	Args    []string `json:"args"` // {input} {output} {bias} {dark} {flat} are substituted
}

// Server configures the status API.
type Server struct {
	Listen string `json:"listen"`
}

// Watch configures watch mode.
type Watch struct {
	DebounceMillis int `json:"debounce_ms"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile decodes path over the defaults. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Path reports the configuration file Load would read.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	p, err := expandUser(defaultConfigPath)
	if err != nil {
		return defaultConfigPath
	}
	return p
}

// Save writes cfg as indented JSON, creating parent directories.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Default returns a fresh default configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath:   filepath.Join(os.TempDir(), "autocal.db"),
			DictionaryPath: "~/.config/autocal/dictionary.yaml",
		},
		Pipeline: Pipeline{
			PathMode:     string(classify.PathModeAlongside),
			SkipExisting: true,
			SecondPass:   true,
			Recursive:    true,
			Stages: map[string]bool{
				frame.StageCalibrated.String():          true,
				frame.StageCosmetized.String():          true,
				frame.StageDebayered.String():           false,
				frame.StageBackgroundExtracted.String(): false,
				frame.StageRegistered.String():          true,
				frame.StageNormalized.String():          true,
				frame.StageApproved.String():            true,
			},
			ExcludeNames:      []string{"Master", "Masters"},
			ExcludePrefixes:   []string{".", "_"},
			ExcludeSubstrings: []string{"Skip"},
		},
		Library: Library{
			UseCamera:     true,
			UseBinning:    true,
			BinningFolder: "bin%d",
			UseBias:       true,
			UseDark:       true,
			UseFlat:       true,
		},
		Matching: Matching{
			TemperatureTolerance:  1.0,
			DarkExposureTolerance: 0,
		},
		Operators: map[string]OperatorConfig{
			frame.StageCalibrated.String():          {Kind: OperatorMagick},
			frame.StageCosmetized.String():          {Kind: OperatorCopy},
			frame.StageDebayered.String():           {Kind: OperatorCopy},
			frame.StageBackgroundExtracted.String(): {Kind: OperatorCopy},
			frame.StageRegistered.String():          {Kind: OperatorCopy},
			frame.StageNormalized.String():          {Kind: OperatorCopy},
			frame.StageApproved.String():            {Kind: OperatorCopy},
		},
		Server: Server{Listen: "127.0.0.1:8086"},
		Watch:  Watch{DebounceMillis: 2000},
	}
}

// EnabledStages returns the configured stage plan.
func (c *Config) EnabledStages() (frame.Plan, error) {
	plan, err := c.stagePlan()
	if err != nil {
		return frame.Plan{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return plan, nil
}

func (c *Config) stagePlan() (frame.Plan, error) {
	var stages []frame.Stage
	for name, on := range c.Pipeline.Stages {
		s, err := frame.ParseStage(name)
		if err != nil {
			return frame.Plan{}, fmt.Errorf("pipeline.stages: %v", err)
		}
		if on {
			stages = append(stages, s)
		}
	}
	return frame.NewPlan(stages...), nil
}

// CalibrationMasters lists the master kinds the calibrate stage requires.
func (c *Config) CalibrationMasters() []frame.MasterKind {
	var kinds []frame.MasterKind
	if c.Library.UseBias {
		kinds = append(kinds, frame.MasterBias)
	}
	if c.Library.UseDark {
		kinds = append(kinds, frame.MasterDark)
	}
	if c.Library.UseFlat {
		kinds = append(kinds, frame.MasterFlat)
	}
	return kinds
}

// Validate checks the settings a run depends on. Every error wraps
// ErrConfigInvalid.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Pipeline.InputRoot) == "" {
		problems = append(problems, "pipeline.input_root is empty")
	}
	mode, err := classify.ParsePathMode(c.Pipeline.PathMode)
	if err != nil {
		problems = append(problems, "pipeline.path_mode: "+err.Error())
	} else if mode != classify.PathModeAlongside && strings.TrimSpace(c.Pipeline.OutputRoot) == "" {
		problems = append(problems, fmt.Sprintf("pipeline.output_root is required for path mode %q", mode))
	}
	if ext := c.Pipeline.OutputExtension; ext != "" {
		switch strings.ToLower(ext) {
		case ".fit", ".fits", ".xisf":
		default:
			problems = append(problems, fmt.Sprintf("pipeline.output_extension %q is not a frame extension", ext))
		}
	}

	plan, err := c.stagePlan()
	if err != nil {
		problems = append(problems, err.Error())
	} else if plan.Enabled(frame.StageCalibrated) && len(c.CalibrationMasters()) > 0 && len(c.Library.Roots) == 0 {
		problems = append(problems, "library.roots is empty while calibration needs masters")
	}
	if c.Library.UseBinning && !strings.Contains(c.Library.BinningFolder, "%d") {
		problems = append(problems, "library.binning_folder must contain %d")
	}
	if c.Matching.TemperatureTolerance < 0 {
		problems = append(problems, "matching.temperature_tolerance is negative")
	}
	if c.Matching.DarkExposureTolerance < 0 {
		problems = append(problems, "matching.dark_exposure_tolerance is negative")
	}
	if c.Processing.ParallelJobs < 0 {
		problems = append(problems, "processing.parallel_jobs is negative")
	}

	for name, op := range c.Operators {
		if _, err := frame.ParseStage(name); err != nil {
			problems = append(problems, fmt.Sprintf("operators.%s: %v", name, err))
			continue
		}
		switch op.Kind {
		case OperatorMagick, OperatorCopy, "":
		case OperatorCommand:
			if op.Command == "" {
				problems = append(problems, fmt.Sprintf("operators.%s: command is empty", name))
			}
		default:
			problems = append(problems, fmt.Sprintf("operators.%s: unknown kind %q", name, op.Kind))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ExpandUser resolves a leading "~" against the home directory.
func ExpandUser(path string) string {
	p, err := expandUser(path)
	if err != nil {
		return path
	}
	return p
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
