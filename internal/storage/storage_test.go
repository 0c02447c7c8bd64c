package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"autocal/internal/frame"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "autocal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)

	if err := s.RecordRunStart(RunRecord{ID: "run-1", InputRoot: "/data", StartedAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunStart(RunRecord{ID: "run-2", InputRoot: "/data"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunFinish("run-1", RunCompleted, map[string]int{"success": 3, "failed": 1}, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("expected newest first, got %+v", runs)
	}

	got, err := s.Run("run-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != RunCompleted || got.CompletedAt == nil || got.Counts["success"] != 3 {
		t.Fatalf("unexpected run: %+v", got)
	}

	if _, err := s.Run("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	s := openStore(t)
	when := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	want := []frame.StageResult{
		{RunID: "r", Pass: 1, Frame: "/d/a.fit", Input: "/d/a.fit", Stage: frame.StageCalibrated, Outcome: frame.OutcomeSuccess,
			Output: "/d/calibrated/a_c.fit", Masters: map[frame.MasterKind]string{frame.MasterDark: "/lib/dark.fit"},
			Duration: 1500 * time.Millisecond, Time: when},
		{RunID: "r", Pass: 2, Input: "/d/b.fit", Stage: frame.StageCalibrated, Outcome: frame.OutcomeSkippedNoMaster,
			Reason: "no matching master found: flat", Time: when},
	}
	for _, res := range want {
		if err := s.RecordResult(res); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.RecordResult(frame.StageResult{RunID: "other", Stage: frame.StageApproved, Outcome: frame.OutcomeFailed}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.Results("r")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameCatalog(t *testing.T) {
	s := openStore(t)
	d := frame.Descriptor{
		Path:        "/d/a.fit",
		Stage:       frame.StageCosmetized,
		Camera:      "ASI1600MM",
		Binning:     2,
		Temperature: frame.Float(-10),
		DateObs:     time.Date(2019, 9, 15, 0, 0, 0, 0, time.UTC),
	}
	if err := s.RecordFrame("r", d); err != nil {
		t.Fatalf("record: %v", err)
	}
	d.Binning = 1
	if err := s.RecordFrame("r", d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Frame("/d/a.fit")
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Fatalf("descriptor mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Frame("/d/none.fit"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSettingsTypedValues(t *testing.T) {
	s := openStore(t)
	st := s.Settings("")

	writes := []struct {
		key   string
		kind  Kind
		value any
	}{
		{"inputRoot", KindString, "/data/lights"},
		{"secondPass", KindBool, true},
		{"parallel", KindInt, 4},
		{"tempTolerance", KindFloat, 0.5},
	}
	for _, w := range writes {
		if err := st.Write(w.key, w.kind, w.value); err != nil {
			t.Fatalf("write %s: %v", w.key, err)
		}
	}
	for _, w := range writes {
		v, ok, err := st.Read(w.key, w.kind)
		if err != nil || !ok || v != w.value {
			t.Fatalf("read %s = %v ok=%v err=%v", w.key, v, ok, err)
		}
	}

	if _, ok, _ := st.Read("parallel", KindString); ok {
		t.Fatalf("reading with the wrong kind should miss")
	}
	if _, ok, _ := st.Read("absent", KindString); ok {
		t.Fatalf("absent key should miss")
	}
	if err := st.Write("parallel", KindInt, "four"); err == nil {
		t.Fatalf("mismatched value must be rejected")
	}

	other := s.Settings("Other")
	if _, ok, _ := other.Read("inputRoot", KindString); ok {
		t.Fatalf("namespaces must not leak")
	}
	if got := st.String("inputRoot", "x"); got != "/data/lights" {
		t.Fatalf("String = %q", got)
	}
	if err := st.Delete("inputRoot"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := st.String("inputRoot", "x"); got != "x" {
		t.Fatalf("default after delete = %q", got)
	}
	entries, err := st.List()
	if err != nil || len(entries) != 3 || entries[0].Key != "parallel" {
		t.Fatalf("list = %+v, %v", entries, err)
	}
}
