// Package frame holds the data model shared by the calibration pipeline: frame
// descriptors, pipeline stages, master-file candidates and per-stage results.
package frame

import (
	"path/filepath"
	"time"
)

// Descriptor describes one image file. It is a value: every stage transition
// yields a new Descriptor pointing at the new file.
type Descriptor struct {
	Path            string    `json:"path"`
	Stage           Stage     `json:"stage"`
	Camera          string    `json:"camera"`
	Telescope       string    `json:"telescope"`
	Observer        string    `json:"observer"`
	Binning         int       `json:"binning"`
	Temperature     *float64  `json:"temperature,omitempty"`
	ExposureSeconds float64   `json:"exposure_seconds"`
	Filter          string    `json:"filter"`
	DateObs         time.Time `json:"date_obs"`
	Object          string    `json:"object"`
	Mono            *bool     `json:"mono,omitempty"`
}

// WithPath returns a copy of d re-derived for a file produced by a stage.
func (d Descriptor) WithPath(path string, stage Stage) Descriptor {
	d.Path = path
	d.Stage = stage
	return d
}

// Name is the file's base name.
func (d Descriptor) Name() string { return filepath.Base(d.Path) }

// MasterKind is a calibration master type.
type MasterKind string

const (
	MasterBias MasterKind = "bias"
	MasterDark MasterKind = "dark"
	MasterFlat MasterKind = "flat"
)

// MasterKinds lists kinds in the order the calibrate stage resolves them.
var MasterKinds = []MasterKind{MasterBias, MasterDark, MasterFlat}

// MasterCandidate is a calibration master found in the library. Nil fields
// were not present in the file name or header.
type MasterCandidate struct {
	Path            string     `json:"path"`
	Kind            MasterKind `json:"kind"`
	Binning         int        `json:"binning"`
	Temperature     *float64   `json:"temperature,omitempty"`
	ExposureSeconds *float64   `json:"exposure_seconds,omitempty"`
	Filter          string     `json:"filter,omitempty"`
	DateCreated     *time.Time `json:"date_created,omitempty"`
}

// Outcome classifies a StageResult.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeSkippedExists   Outcome = "skipped-exists"
	OutcomeSkippedNoMaster Outcome = "skipped-no-master"
	OutcomeFailed          Outcome = "failed"
)

// Outcomes lists outcomes in report column order.
var Outcomes = []Outcome{OutcomeSuccess, OutcomeSkippedExists, OutcomeSkippedNoMaster, OutcomeFailed}

// StageResult records one attempt to run one stage on one frame.
type StageResult struct {
	RunID    string                `json:"run_id"`
	Pass     int                   `json:"pass"`
	Frame    string                `json:"frame"` // path the frame was discovered at
	Input    string                `json:"input"`
	Stage    Stage                 `json:"stage"`
	Outcome  Outcome               `json:"outcome"`
	Output   string                `json:"output,omitempty"`
	Masters  map[MasterKind]string `json:"masters,omitempty"`
	Reason   string                `json:"reason,omitempty"`
	Duration time.Duration         `json:"duration"`
	Time     time.Time             `json:"time"`
}

// Float returns a pointer to v, for the nullable numeric fields.
func Float(v float64) *float64 { return &v }
