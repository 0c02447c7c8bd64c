package library

import (
	"math"
	"sort"
	"strings"
	"time"

	"autocal/internal/frame"
)

// tolerance comparisons absorb float noise in parsed decimal values
const epsilon = 1e-9

func sameBinning(cands []frame.MasterCandidate, f frame.Descriptor) []frame.MasterCandidate {
	want := binningOf(f)
	var out []frame.MasterCandidate
	for _, c := range cands {
		if c.Binning == want {
			out = append(out, c)
		}
	}
	return out
}

// tempDistance is |master - frame|, or 0 when either side is unknown.
func tempDistance(c frame.MasterCandidate, f frame.Descriptor) float64 {
	if c.Temperature == nil || f.Temperature == nil {
		return 0
	}
	return math.Abs(*c.Temperature - *f.Temperature)
}

func selectBias(cands []frame.MasterCandidate, f frame.Descriptor) (frame.MasterCandidate, bool) {
	cands = sameBinning(cands, f)
	if len(cands) == 0 {
		return frame.MasterCandidate{}, false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		di, dj := tempDistance(cands[i], f), tempDistance(cands[j], f)
		if di != dj {
			return di < dj
		}
		return cands[i].Path < cands[j].Path
	})
	return cands[0], true
}

// selectDark keeps darks within the temperature tolerance and picks the
// shortest exposure not below frame exposure minus the exposure tolerance.
// A dark may therefore be shorter than the frame by up to that tolerance.
func selectDark(cands []frame.MasterCandidate, f frame.Descriptor, tol Tolerances) (frame.MasterCandidate, bool) {
	floor := f.ExposureSeconds - tol.DarkExposureSeconds
	var ok []frame.MasterCandidate
	for _, c := range sameBinning(cands, f) {
		if c.ExposureSeconds == nil {
			continue
		}
		if tempDistance(c, f) > tol.TemperatureC+epsilon {
			continue
		}
		if *c.ExposureSeconds < floor-epsilon {
			continue
		}
		ok = append(ok, c)
	}
	if len(ok) == 0 {
		return frame.MasterCandidate{}, false
	}
	sort.SliceStable(ok, func(i, j int) bool {
		ei, ej := *ok[i].ExposureSeconds, *ok[j].ExposureSeconds
		if ei != ej {
			return ei < ej
		}
		di, dj := tempDistance(ok[i], f), tempDistance(ok[j], f)
		if di != dj {
			return di < dj
		}
		return ok[i].Path < ok[j].Path
	})
	return ok[0], true
}

// selectFlat requires the filter to match. When any matching flat carries a
// date, undated ones are ignored and the latest flat dated on or before the
// observation night wins; a frame without a date takes the latest flat.
func selectFlat(cands []frame.MasterCandidate, f frame.Descriptor) (frame.MasterCandidate, bool) {
	var match, dated []frame.MasterCandidate
	for _, c := range sameBinning(cands, f) {
		if !strings.EqualFold(c.Filter, f.Filter) {
			continue
		}
		match = append(match, c)
		if c.DateCreated != nil {
			dated = append(dated, c)
		}
	}
	if len(match) == 0 {
		return frame.MasterCandidate{}, false
	}
	if len(dated) == 0 {
		return match[0], true
	}

	var best *frame.MasterCandidate
	for i := range dated {
		c := &dated[i]
		if !f.DateObs.IsZero() && day(*c.DateCreated).After(day(f.DateObs)) {
			continue
		}
		if best == nil || c.DateCreated.After(*best.DateCreated) ||
			(c.DateCreated.Equal(*best.DateCreated) && c.Path < best.Path) {
			best = c
		}
	}
	if best == nil {
		return frame.MasterCandidate{}, false
	}
	return *best, true
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
