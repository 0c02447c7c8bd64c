package pipeline

import (
	"time"

	"autocal/internal/frame"
)

// Report is everything one Process call produced.
type Report struct {
	RunID      string              `json:"run_id"`
	Started    time.Time           `json:"started"`
	Finished   time.Time           `json:"finished"`
	Passes     int                 `json:"passes"`
	Frames     int                 `json:"frames"`
	Unreadable []string            `json:"unreadable,omitempty"`
	Results    []frame.StageResult `json:"results"`
}

// StageCounts tallies outcomes per stage.
func (r Report) StageCounts() map[frame.Stage]map[frame.Outcome]int {
	out := make(map[frame.Stage]map[frame.Outcome]int)
	for _, res := range r.Results {
		m, ok := out[res.Stage]
		if !ok {
			m = make(map[frame.Outcome]int)
			out[res.Stage] = m
		}
		m[res.Outcome]++
	}
	return out
}

// OutcomeCounts tallies outcomes over the whole run.
func (r Report) OutcomeCounts() map[string]int {
	out := make(map[string]int)
	for _, res := range r.Results {
		out[string(res.Outcome)]++
	}
	return out
}

// Count returns how many results have outcome o.
func (r Report) Count(o frame.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// ForFrame returns the results of one discovered frame, in order.
func (r Report) ForFrame(path string) []frame.StageResult {
	var out []frame.StageResult
	for _, res := range r.Results {
		if res.Frame == path {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) passCounts(pass int) map[string]int {
	out := make(map[string]int)
	for _, res := range r.Results {
		if res.Pass == pass {
			out[string(res.Outcome)]++
		}
	}
	return out
}

// incomplete reports whether a pass left any frame short of its last stage.
func (r Report) incomplete(pass int) bool {
	for _, res := range r.Results {
		if res.Pass != pass {
			continue
		}
		if res.Outcome == frame.OutcomeSkippedNoMaster || res.Outcome == frame.OutcomeFailed {
			return true
		}
	}
	return false
}
