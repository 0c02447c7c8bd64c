package frame

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStageOrderAndPredecessors(t *testing.T) {
	for i := 1; i < len(AllStages); i++ {
		prev, ok := PrecedingStage(AllStages[i])
		if !ok {
			t.Fatalf("expected predecessor for %s", AllStages[i])
		}
		if prev != AllStages[i-1] {
			t.Fatalf("predecessor of %s: got %s want %s", AllStages[i], prev, AllStages[i-1])
		}
	}
	if _, ok := PrecedingStage(StageOriginal); ok {
		t.Fatalf("original must not have a predecessor")
	}
}

func TestPlanSkipsDisabledStages(t *testing.T) {
	p := NewPlan(StageCalibrated, StageCosmetized, StageRegistered, StageApproved)

	want := []Stage{StageRegistered, StageApproved}
	if diff := cmp.Diff(want, p.After(StageCosmetized)); diff != "" {
		t.Fatalf("After mismatch (-want +got):\n%s", diff)
	}
	if got := p.Preceding(StageRegistered); got != StageCosmetized {
		t.Fatalf("Preceding(registered) = %s, want cosmetized", got)
	}
	if got := p.Preceding(StageCalibrated); got != StageOriginal {
		t.Fatalf("Preceding(calibrated) = %s, want original", got)
	}
	if p.Without(StageRegistered).Enabled(StageRegistered) {
		t.Fatalf("Without did not disable registered")
	}
	if !p.Enabled(StageRegistered) {
		t.Fatalf("Without mutated the receiver")
	}
}

func TestParseStageAcceptsFoldersAndNames(t *testing.T) {
	cases := map[string]Stage{
		"calibrated":  StageCalibrated,
		"Cosmetized":  StageCosmetized,
		"rnormilized": StageNormalized,
		"abe":         StageBackgroundExtracted,
		"register":    StageRegistered,
		"approved":    StageApproved,
	}
	for in, want := range cases {
		got, err := ParseStage(in)
		if err != nil {
			t.Fatalf("ParseStage(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseStage(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseStage("stacked"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestStageJSONUsesNames(t *testing.T) {
	b, err := json.Marshal(StageResult{Stage: StageCosmetized, Outcome: OutcomeSuccess})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back StageResult
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Stage != StageCosmetized {
		t.Fatalf("stage round trip: got %s", back.Stage)
	}
}
