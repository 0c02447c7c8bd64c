package classify

import (
	"path/filepath"
	"testing"

	"autocal/internal/frame"
)

func TestClassifyByFolderAndSuffix(t *testing.T) {
	c := New(Layout{})
	cases := map[string]frame.Stage{
		"/data/m31/M31_L_001.fit":                   frame.StageOriginal,
		"/data/m31/M31_R.fit":                       frame.StageOriginal,
		"/data/m31/m31_r_b.fit":                     frame.StageOriginal,
		"/data/m31/cosmetized/M31_L_001.fit":        frame.StageCosmetized,
		"/data/m31/calibrated/M31_L_001_c.xisf":     frame.StageCalibrated,
		"/data/m31/calibrated/M31_L_001_c_cc.xisf":  frame.StageCosmetized,
		"/data/m31/M31_L_001_c_cc_r.xisf":           frame.StageRegistered,
		"/data/m31/rnormilized/M31_L_001_c_r_n.fit": frame.StageNormalized,
		"/data/m31/Approved/x.fit":                  frame.StageApproved,
		"/data/m31/m31_r_c.fit":                     frame.StageCalibrated,
	}
	for path, want := range cases {
		if got := c.Classify(filepath.FromSlash(path)); got != want {
			t.Fatalf("Classify(%s) = %s, want %s", path, got, want)
		}
	}
}

func TestExpectedOutputRoundTrip(t *testing.T) {
	layouts := []Layout{
		{Mode: PathModeAlongside},
		{Mode: PathModeFlat, OutputRoot: "/out"},
		{Mode: PathModePerObject, OutputRoot: "/out", Ext: ".xisf"},
	}
	frames := []frame.Descriptor{
		{Path: "/data/m31/M31_L_001.fit", Stage: frame.StageOriginal, Object: "M 31"},
		{Path: "/data/m31/M31_R.fits", Stage: frame.StageOriginal},
		{Path: "/data/m31/calibrated/M31_L_001_c.fit", Stage: frame.StageCalibrated, Object: "M31"},
		{Path: "/data/cosmetized/ngc7000_ha.fit", Stage: frame.StageCosmetized, Object: "NGC 7000"},
	}
	for _, layout := range layouts {
		c := New(layout)
		for _, f := range frames {
			f.Path = filepath.FromSlash(f.Path)
			for _, target := range frame.AllStages {
				if target <= f.Stage {
					continue
				}
				out := c.ExpectedOutputPath(f, target)
				if got := c.Classify(out); got != target {
					t.Fatalf("%s mode: classify(expected(%s, %s)) = %s (path %s)", layout.Mode, f.Path, target, got, out)
				}
			}
		}
	}
}

func TestExpectedOutputPathLayouts(t *testing.T) {
	f := frame.Descriptor{Path: filepath.FromSlash("/data/m31/calibrated/M31_001_c.fit"), Stage: frame.StageCalibrated, Object: "M 31"}

	cases := []struct {
		layout Layout
		want   string
	}{
		{Layout{Mode: PathModeAlongside}, "/data/m31/cosmetized/M31_001_c_cc.fit"},
		{Layout{Mode: PathModeFlat, OutputRoot: "/out"}, "/out/cosmetized/M31_001_c_cc.fit"},
		{Layout{Mode: PathModePerObject, OutputRoot: "/out", Ext: ".xisf"}, "/out/M_31/cosmetized/M31_001_c_cc.xisf"},
	}
	for _, tc := range cases {
		got := New(tc.layout).ExpectedOutputPath(f, frame.StageCosmetized)
		if got != filepath.FromSlash(tc.want) {
			t.Fatalf("%s: got %s want %s", tc.layout.Mode, got, tc.want)
		}
	}
}

func TestParsePathMode(t *testing.T) {
	for in, want := range map[string]PathMode{"": PathModeAlongside, "FLAT": PathModeFlat, "final": PathModePerObject} {
		got, err := ParsePathMode(in)
		if err != nil || got != want {
			t.Fatalf("ParsePathMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePathMode("nested"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
