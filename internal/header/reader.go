// Package header reads FITS/XISF metadata and turns it into frame descriptors.
package header

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
)

// ErrUnreadableFile is returned when a file is missing or its header cannot be parsed.
var ErrUnreadableFile = errors.New("unreadable file")

// Fields is a raw header: upper-case keyword to textual value.
type Fields map[string]string

// MetadataReader extracts the raw header of one file.
type MetadataReader interface {
	Read(path string) (Fields, error)
}

// FITSReader reads the primary HDU header of a FITS file.
type FITSReader struct{}

func (FITSReader) Read(path string) (Fields, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableFile, path, err)
	}
	defer f.Close()

	if len(f.HDUs()) == 0 {
		return nil, fmt.Errorf("%w: %s: no HDU", ErrUnreadableFile, path)
	}
	hdr := f.HDU(0).Header()
	fields := make(Fields, len(hdr.Keys()))
	for _, key := range hdr.Keys() {
		card := hdr.Get(key)
		if card == nil || card.Value == nil {
			continue
		}
		fields[strings.ToUpper(key)] = cleanValue(fmt.Sprint(card.Value))
	}
	return fields, nil
}

var xisfSignature = []byte("XISF0100")

// maxXISFHeader caps the declared header length; real headers are a few KiB.
const maxXISFHeader = 64 << 20

// XISFReader reads the FITSKeyword elements of an XISF header.
type XISFReader struct{}

func (XISFReader) Read(path string) (Fields, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}

	br := bufio.NewReader(f)
	sig := make([]byte, len(xisfSignature))
	if _, err := io.ReadFull(br, sig); err != nil || !bytes.Equal(sig, xisfSignature) {
		return nil, fmt.Errorf("%w: %s: missing XISF signature", ErrUnreadableFile, path)
	}
	var lengths [2]uint32 // header length, reserved
	if err := binary.Read(br, binary.LittleEndian, &lengths); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableFile, path, err)
	}
	// signature plus the two length words
	preamble := int64(len(xisfSignature) + 8)
	if n := int64(lengths[0]); n > maxXISFHeader || n > info.Size()-preamble {
		return nil, fmt.Errorf("%w: %s: header length %d exceeds file size %d", ErrUnreadableFile, path, n, info.Size())
	}
	raw := make([]byte, lengths[0])
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: %s: truncated header: %v", ErrUnreadableFile, path, err)
	}

	fields := Fields{}
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableFile, path, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "FITSKeyword" {
			continue
		}
		var name, value string
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "name":
				name = a.Value
			case "value":
				value = a.Value
			}
		}
		key := strings.ToUpper(strings.TrimSpace(name))
		if _, seen := fields[key]; key != "" && !seen {
			fields[key] = cleanValue(value)
		}
	}
	return fields, nil
}

// Reader dispatches on the file extension.
type Reader struct {
	FITS MetadataReader
	XISF MetadataReader
}

// NewReader returns a reader for .fit, .fits and .xisf files.
func NewReader() *Reader {
	return &Reader{FITS: FITSReader{}, XISF: XISFReader{}}
}

func (r *Reader) Read(path string) (Fields, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit", ".fits", ".fts":
		return r.FITS.Read(path)
	case ".xisf":
		return r.XISF.Read(path)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported extension", ErrUnreadableFile, path)
	}
}

// cleanValue strips FITS string quoting and padding.
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		v = v[1 : len(v)-1]
	}
	return strings.TrimSpace(strings.ReplaceAll(v, "''", "'"))
}
