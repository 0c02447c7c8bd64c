package frame

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stage is a pipeline step, identified on disk by its output folder and
// filename suffix. Stages are totally ordered; a frame only moves forward.
type Stage int

const (
	StageOriginal Stage = iota
	StageCalibrated
	StageCosmetized
	StageDebayered
	StageBackgroundExtracted
	StageRegistered
	StageNormalized
	StageApproved
)

// AllStages lists every stage in pipeline order.
var AllStages = []Stage{
	StageOriginal,
	StageCalibrated,
	StageCosmetized,
	StageDebayered,
	StageBackgroundExtracted,
	StageRegistered,
	StageNormalized,
	StageApproved,
}

type stageInfo struct {
	name   string
	folder string
	suffix string
}

var stageTable = map[Stage]stageInfo{
	StageOriginal:            {name: "original"},
	StageCalibrated:          {name: "calibrated", folder: "calibrated", suffix: "c"},
	StageCosmetized:          {name: "cosmetized", folder: "cosmetized", suffix: "cc"},
	StageDebayered:           {name: "debayered", folder: "debayered", suffix: "d"},
	StageBackgroundExtracted: {name: "background_extracted", folder: "abe", suffix: "b"},
	StageRegistered:          {name: "registered", folder: "registered", suffix: "r"},
	StageNormalized:          {name: "normalized", folder: "rnormilized", suffix: "n"},
	StageApproved:            {name: "approved", folder: "approved", suffix: "a"},
}

// precedingStage is the static input table: the stage whose output a stage consumes
// when every stage is enabled.
var precedingStage = map[Stage]Stage{
	StageCalibrated:          StageOriginal,
	StageCosmetized:          StageCalibrated,
	StageDebayered:           StageCosmetized,
	StageBackgroundExtracted: StageDebayered,
	StageRegistered:          StageBackgroundExtracted,
	StageNormalized:          StageRegistered,
	StageApproved:            StageNormalized,
}

func (s Stage) String() string {
	if info, ok := stageTable[s]; ok {
		return info.name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Folder is the output subfolder name for the stage. Empty for StageOriginal.
func (s Stage) Folder() string { return stageTable[s].folder }

// Suffix is the filename token appended to a frame's stem by the stage, without
// the leading underscore.
func (s Stage) Suffix() string { return stageTable[s].suffix }

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageTable[s]
	return ok
}

// PrecedingStage returns the stage whose output is s's required input.
// StageOriginal has no predecessor and returns false.
func PrecedingStage(s Stage) (Stage, bool) {
	p, ok := precedingStage[s]
	return p, ok
}

// ParseStage accepts a stage name or folder name, case-insensitively.
func ParseStage(s string) (Stage, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, st := range AllStages {
		info := stageTable[st]
		if key == info.name || (info.folder != "" && key == info.folder) {
			return st, nil
		}
	}
	switch key {
	case "calibrate":
		return StageCalibrated, nil
	case "cosmetic", "cosmetic_correction":
		return StageCosmetized, nil
	case "debayer":
		return StageDebayered, nil
	case "background", "abe", "background_extraction":
		return StageBackgroundExtracted, nil
	case "register", "registration":
		return StageRegistered, nil
	case "normalize", "normalization":
		return StageNormalized, nil
	case "approve":
		return StageApproved, nil
	}
	return StageOriginal, fmt.Errorf("unknown stage %q", s)
}

// StageByFolder maps an output folder name to its stage.
func StageByFolder(name string) (Stage, bool) {
	for _, st := range AllStages {
		if f := stageTable[st].folder; f != "" && strings.EqualFold(f, name) {
			return st, true
		}
	}
	return StageOriginal, false
}

// StageBySuffix maps a filename suffix token (without underscore) to its stage.
// Matching is case-sensitive; the pipeline only writes lower-case suffixes.
func StageBySuffix(token string) (Stage, bool) {
	for _, st := range AllStages {
		if sfx := stageTable[st].suffix; sfx != "" && sfx == token {
			return st, true
		}
	}
	return StageOriginal, false
}

// Plan is the ordered set of stages enabled for a run.
type Plan struct {
	enabled map[Stage]bool
}

// NewPlan builds a plan from the enabled processing stages. StageOriginal is
// always implied.
func NewPlan(stages ...Stage) Plan {
	p := Plan{enabled: make(map[Stage]bool, len(stages))}
	for _, s := range stages {
		if s != StageOriginal && s.Valid() {
			p.enabled[s] = true
		}
	}
	return p
}

// Enabled reports whether s runs in this plan.
func (p Plan) Enabled(s Stage) bool { return p.enabled[s] }

// Without returns a copy of the plan with the given stage disabled.
func (p Plan) Without(s Stage) Plan {
	out := Plan{enabled: make(map[Stage]bool, len(p.enabled))}
	for k, v := range p.enabled {
		if k != s {
			out.enabled[k] = v
		}
	}
	return out
}

// Stages lists the enabled stages in pipeline order.
func (p Plan) Stages() []Stage {
	var out []Stage
	for _, s := range AllStages {
		if p.enabled[s] {
			out = append(out, s)
		}
	}
	return out
}

// After lists the enabled stages strictly later than from, in order.
func (p Plan) After(from Stage) []Stage {
	var out []Stage
	for _, s := range p.Stages() {
		if s > from {
			out = append(out, s)
		}
	}
	return out
}

// Preceding walks the static predecessor table back from s until it reaches an
// enabled stage or StageOriginal.
func (p Plan) Preceding(s Stage) Stage {
	prev, ok := PrecedingStage(s)
	for ok && prev != StageOriginal && !p.enabled[prev] {
		prev, ok = PrecedingStage(prev)
	}
	if !ok {
		return StageOriginal
	}
	return prev
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(b []byte) error {
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// MarshalJSON encodes the plan as its ordered stage names.
func (p Plan) MarshalJSON() ([]byte, error) { return json.Marshal(p.Stages()) }
