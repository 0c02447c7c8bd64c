package library

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autocal/internal/frame"
	"autocal/internal/header"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func lightFrame() frame.Descriptor {
	return frame.Descriptor{
		Path:            "/data/M31_L_001.fit",
		Camera:          "ASI1600MM",
		Telescope:       "Esprit_100",
		Observer:        "Jane_Doe",
		Binning:         1,
		Temperature:     frame.Float(-20.3),
		ExposureSeconds: 300,
		Filter:          "L",
		DateObs:         time.Date(2019, 9, 15, 21, 3, 0, 0, time.UTC),
	}
}

func TestFindDarkWithinTemperatureTolerance(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "dark_EXP300_bin1_TEMP-20.1.fit"))
	touch(t, filepath.Join(root, "dark_EXP280_bin1_TEMP-19.0.fit"))
	touch(t, filepath.Join(root, "dark_EXP300_bin2_TEMP-20.3.fit"))

	m := NewMatcher(Options{Tolerances: Tolerances{TemperatureC: 0.5}}, nil, nil, nil)
	got, ok := m.FindDark(root, lightFrame())
	if !ok {
		t.Fatalf("expected a dark")
	}
	if filepath.Base(got.Path) != "dark_EXP300_bin1_TEMP-20.1.fit" {
		t.Fatalf("picked %s", got.Path)
	}
	if got.Temperature == nil || *got.Temperature != -20.1 || *got.ExposureSeconds != 300 {
		t.Fatalf("unexpected candidate fields: %+v", got)
	}
}

func TestFindDarkShorterWithinExposureTolerance(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "darks", "dark_EXP280_bin1.fit"))
	touch(t, filepath.Join(root, "darks", "dark_EXP600_bin1.fit"))

	f := lightFrame()
	f.Temperature = nil

	strict := NewMatcher(Options{}, nil, nil, nil)
	got, ok := strict.FindDark(root, f)
	if !ok || filepath.Base(got.Path) != "dark_EXP600_bin1.fit" {
		t.Fatalf("zero tolerance: got %v %v", got.Path, ok)
	}

	loose := NewMatcher(Options{Tolerances: Tolerances{DarkExposureSeconds: 20}}, nil, nil, nil)
	got, ok = loose.FindDark(root, f)
	if !ok || filepath.Base(got.Path) != "dark_EXP280_bin1.fit" {
		t.Fatalf("20s tolerance: got %v %v", got.Path, ok)
	}

	f.ExposureSeconds = 900
	if _, ok := loose.FindDark(root, f); ok {
		t.Fatalf("no dark is long enough for 900s")
	}
}

func TestSelectDarkIsMinimumAboveFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		f := frame.Descriptor{
			Binning:         1,
			Temperature:     frame.Float(float64(rng.Intn(40) - 30)),
			ExposureSeconds: float64(rng.Intn(600)),
		}
		tol := Tolerances{TemperatureC: float64(rng.Intn(4)), DarkExposureSeconds: float64(rng.Intn(60))}

		var cands []frame.MasterCandidate
		n := rng.Intn(8)
		for i := 0; i < n; i++ {
			cands = append(cands, frame.MasterCandidate{
				Path:            fmt.Sprintf("d%02d.fit", i),
				Kind:            frame.MasterDark,
				Binning:         1 + rng.Intn(2),
				Temperature:     frame.Float(float64(rng.Intn(40) - 30)),
				ExposureSeconds: frame.Float(float64(rng.Intn(700))),
			})
		}

		want := -1.0
		for _, c := range cands {
			if c.Binning != 1 || tempDistance(c, f) > tol.TemperatureC {
				continue
			}
			if e := *c.ExposureSeconds; e >= f.ExposureSeconds-tol.DarkExposureSeconds && (want < 0 || e < want) {
				want = e
			}
		}

		got, ok := selectDark(cands, f, tol)
		if want < 0 {
			if ok {
				t.Fatalf("iter %d: expected NotFound, got %+v", iter, got)
			}
			continue
		}
		if !ok || *got.ExposureSeconds != want {
			t.Fatalf("iter %d: want exposure %v, got %+v ok=%v", iter, want, got, ok)
		}
	}
}

func TestFindFlatLatestNotAfterFrameDate(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "flat_FILTER_L_bin1_2019-09-01.fit"))
	touch(t, filepath.Join(root, "flat_FILTER_L_bin1_2019-10-01.fit"))
	touch(t, filepath.Join(root, "flat_FILTER_Ha_bin1_2019-09-10.fit"))
	touch(t, filepath.Join(root, "flat_FILTER_L_bin1.fit"))

	m := NewMatcher(Options{}, nil, nil, nil)
	f := lightFrame()
	got, ok := m.FindFlat(root, f)
	if !ok || filepath.Base(got.Path) != "flat_FILTER_L_bin1_2019-09-01.fit" {
		t.Fatalf("got %s ok=%v", got.Path, ok)
	}

	f.DateObs = time.Date(2019, 10, 1, 23, 0, 0, 0, time.UTC)
	if got, _ := m.FindFlat(root, f); filepath.Base(got.Path) != "flat_FILTER_L_bin1_2019-10-01.fit" {
		t.Fatalf("same-day flat should qualify, got %s", got.Path)
	}

	f.DateObs = time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC)
	if got, ok := m.FindFlat(root, f); ok {
		t.Fatalf("no flat predates the frame, got %s", got.Path)
	}

	f.DateObs = time.Time{}
	if got, _ := m.FindFlat(root, f); filepath.Base(got.Path) != "flat_FILTER_L_bin1_2019-10-01.fit" {
		t.Fatalf("undated frame should take the latest flat, got %s", got.Path)
	}

	f.Filter = "OIII"
	if _, ok := m.FindFlat(root, f); ok {
		t.Fatalf("filter mismatch must be NotFound")
	}
}

func TestFindFlatInDatedFolders(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Flats", "2019-09-01", "flat_FILTER_Lum_bin1.xisf"))
	touch(t, filepath.Join(root, "Flats", "20191001", "flat_FILTER_Lum_bin1.xisf"))
	touch(t, filepath.Join(root, "Other", "flat_FILTER_L_bin1.xisf"))

	m := NewMatcher(Options{}, nil, nil, nil)
	got, ok := m.FindFlat(root, lightFrame())
	if !ok {
		t.Fatalf("expected a flat")
	}
	if filepath.Base(filepath.Dir(got.Path)) != "2019-09-01" {
		t.Fatalf("picked %s", got.Path)
	}
	if got.Filter != "L" || got.DateCreated == nil {
		t.Fatalf("filter alias or folder date not applied: %+v", got)
	}
}

type fakeReader map[string]header.Fields

func (r fakeReader) Read(path string) (header.Fields, error) {
	f, ok := r[filepath.Base(path)]
	if !ok {
		return nil, header.ErrUnreadableFile
	}
	return f, nil
}

func TestFindBiasFallbacks(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "bias_BINNING_2.fit"))
	touch(t, filepath.Join(root, "MasterBias.fit"))

	reader := fakeReader{"MasterBias.fit": {"XBINNING": "1"}}
	m := NewMatcher(Options{}, nil, reader, nil)
	got, ok := m.FindBias(root, lightFrame())
	if !ok || filepath.Base(got.Path) != "MasterBias.fit" || got.Binning != 1 {
		t.Fatalf("header binning fallback: %+v ok=%v", got, ok)
	}

	f := lightFrame()
	f.Binning = 2
	got, ok = m.FindBias(root, f)
	if !ok || filepath.Base(got.Path) != "bias_BINNING_2.fit" {
		t.Fatalf("strict bias: %+v ok=%v", got, ok)
	}

	binned := t.TempDir()
	touch(t, filepath.Join(binned, "bin2", "MasterBias.fit"))
	m = NewMatcher(Options{Hierarchy: Hierarchy{UseBinning: true}}, nil, nil, nil)
	got, ok = m.FindBias(binned, f)
	if !ok || got.Binning != 2 {
		t.Fatalf("binning folder fallback: %+v ok=%v", got, ok)
	}
}

func TestResolveDirHierarchy(t *testing.T) {
	f := lightFrame()
	f.Binning = 2
	cases := []struct {
		h    Hierarchy
		want string
	}{
		{Hierarchy{}, "/lib"},
		{Hierarchy{UseCamera: true}, "/lib/ASI1600MM"},
		{Hierarchy{UseObserver: true, UseTelescope: true, UseCamera: true, UseBinning: true}, "/lib/Jane_Doe/Esprit_100/ASI1600MM/bin2"},
		{Hierarchy{UseTelescope: true, UseBinning: true, BinningFolder: "BIN_%d"}, "/lib/Esprit_100/BIN_2"},
	}
	for _, tc := range cases {
		m := NewMatcher(Options{Hierarchy: tc.h}, nil, nil, nil)
		if got := m.ResolveDir(filepath.FromSlash("/lib"), f); got != filepath.FromSlash(tc.want) {
			t.Fatalf("%+v: got %s want %s", tc.h, got, tc.want)
		}
	}
}

func TestInvalidateRefreshesListings(t *testing.T) {
	root := t.TempDir()
	m := NewMatcher(Options{}, nil, nil, nil)
	if _, ok := m.FindBias(root, lightFrame()); ok {
		t.Fatalf("empty library")
	}
	touch(t, filepath.Join(root, "bias_bin1.fit"))
	if _, ok := m.FindBias(root, lightFrame()); ok {
		t.Fatalf("cached listing should hide the new master")
	}
	m.Invalidate()
	if _, ok := m.FindBias(root, lightFrame()); !ok {
		t.Fatalf("expected bias after invalidate")
	}
}

func TestFindInRootsOrder(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	touch(t, filepath.Join(b, "bias_bin1.fit"))
	m := NewMatcher(Options{}, nil, nil, nil)
	got, ok := m.FindInRoots(frame.MasterBias, []string{a, b}, lightFrame())
	if !ok || filepath.Dir(got.Path) != b {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}
