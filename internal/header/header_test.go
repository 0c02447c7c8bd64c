package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autocal/internal/naming"
)

func writeXISF(t *testing.T, dir, name, xmlHeader string) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("XISF0100")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(xmlHeader)))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString(xmlHeader)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write xisf: %v", err)
	}
	return path
}

const sampleXISF = `<?xml version="1.0" encoding="UTF-8"?>
<xisf version="1.0" xmlns="http://www.pixinsight.com/xisf">
 <Image geometry="8:8:1" sampleFormat="Float32" location="attachment:4096:256">
  <FITSKeyword name="INSTRUME" value="'ZWO ASI1600MM Pro'" comment=""/>
  <FITSKeyword name="TELESCOP" value="'Esprit 100'" comment=""/>
  <FITSKeyword name="OBSERVER" value="'Jane Doe'" comment=""/>
  <FITSKeyword name="XBINNING" value="2" comment=""/>
  <FITSKeyword name="CCD-TEMP" value="-20.3" comment=""/>
  <FITSKeyword name="EXPTIME" value="300." comment=""/>
  <FITSKeyword name="FILTER" value="'Luminance'" comment=""/>
  <FITSKeyword name="OBJECT" value="'M 31'" comment=""/>
  <FITSKeyword name="DATE-OBS" value="'2019-09-15T21:03:11.123'" comment=""/>
 </Image>
</xisf>`

func TestXISFReaderAndExtractor(t *testing.T) {
	path := writeXISF(t, t.TempDir(), "m31_L_001.xisf", sampleXISF)

	d, err := naming.NewDictionary(naming.DictionaryFile{
		Cameras: map[string]string{"ZWO ASI1600MM Pro": "ASI1600MM"},
	})
	if err != nil {
		t.Fatalf("dictionary: %v", err)
	}
	ex := NewExtractor(NewReader(), naming.NewNormalizer(d))
	desc, err := ex.Describe(path)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	if desc.Camera != "ASI1600MM" || desc.Telescope != "Esprit_100" || desc.Observer != "Jane_Doe" {
		t.Fatalf("unexpected identity fields %+v", desc)
	}
	if desc.Binning != 2 || desc.ExposureSeconds != 300 || desc.Filter != "L" || desc.Object != "M 31" {
		t.Fatalf("unexpected acquisition fields %+v", desc)
	}
	if desc.Temperature == nil || *desc.Temperature != -20.3 {
		t.Fatalf("unexpected temperature %v", desc.Temperature)
	}
	want := time.Date(2019, 9, 15, 21, 3, 11, 123000000, time.UTC)
	if !desc.DateObs.Equal(want) {
		t.Fatalf("DateObs = %v, want %v", desc.DateObs, want)
	}
}

func TestExtractorAppliesPresets(t *testing.T) {
	temp := -15.0
	mono := true
	d, err := naming.NewDictionary(naming.DictionaryFile{
		Presets: map[string]naming.Preset{"ATIK414": {Binning: 2, Temperature: &temp, Mono: &mono}},
	})
	if err != nil {
		t.Fatalf("dictionary: %v", err)
	}
	ex := NewExtractor(NewReader(), naming.NewNormalizer(d))
	desc := ex.FromFields("x.fit", Fields{"INSTRUME": "ATIK414", "EXPTIME": "60"})
	if desc.Binning != 2 || desc.Temperature == nil || *desc.Temperature != -15 {
		t.Fatalf("preset defaults not applied: %+v", desc)
	}
	if desc.Mono == nil || !*desc.Mono {
		t.Fatalf("mono flag not carried from preset")
	}

	plain := ex.FromFields("y.fit", Fields{"INSTRUME": "Unknown Cam"})
	if plain.Binning != 1 || plain.Temperature != nil {
		t.Fatalf("expected binning default 1 and no temperature, got %+v", plain)
	}
}

func TestExtractorDetectsMonoFromBayerPattern(t *testing.T) {
	mono := false
	d, err := naming.NewDictionary(naming.DictionaryFile{
		Presets: map[string]naming.Preset{"ASI294MM": {Mono: &mono}},
	})
	if err != nil {
		t.Fatalf("dictionary: %v", err)
	}
	ex := NewExtractor(NewReader(), naming.NewNormalizer(d))

	cases := []struct {
		name   string
		fields Fields
		want   bool
	}{
		{"no pattern", Fields{"INSTRUME": "QHY163M"}, true},
		{"bayer pattern", Fields{"INSTRUME": "ASI294MC", "BAYERPAT": "RGGB"}, false},
		{"empty pattern", Fields{"INSTRUME": "QHY163M", "BAYERPAT": ""}, true},
		{"preset wins", Fields{"INSTRUME": "ASI294MM"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc := ex.FromFields("x.fit", tc.fields)
			if desc.Mono == nil || *desc.Mono != tc.want {
				t.Fatalf("Mono = %v, want %v", desc.Mono, tc.want)
			}
		})
	}
}

func TestReaderRejectsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.xisf")
	if err := os.WriteFile(bad, []byte("not xisf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// declares a ~4 GiB header in a 23-byte file
	oversized := filepath.Join(dir, "oversized.xisf")
	data := append([]byte("XISF0100"), 0x00, 0x00, 0x00, 0xF0, 0, 0, 0, 0)
	data = append(data, []byte("<xisf/>")...)
	if err := os.WriteFile(oversized, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewReader()
	for _, p := range []string{bad, oversized, filepath.Join(dir, "missing.fits"), filepath.Join(dir, "x.jpg")} {
		if _, err := r.Read(p); !errors.Is(err, ErrUnreadableFile) {
			t.Fatalf("Read(%s): expected ErrUnreadableFile, got %v", p, err)
		}
	}
}

func TestParseDateForms(t *testing.T) {
	for in, want := range map[string]time.Time{
		"2019-09-01":          time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC),
		"2019-09-01T02:03:04": time.Date(2019, 9, 1, 2, 3, 4, 0, time.UTC),
		"20190901":            time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC),
	} {
		if got := ParseDate(in); !got.Equal(want) {
			t.Fatalf("ParseDate(%q) = %v, want %v", in, got, want)
		}
	}
	if !ParseDate("garbage").IsZero() {
		t.Fatalf("expected zero time for garbage")
	}
}
