package naming

import (
	"os"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// TakenAtReader reports the EXIF capture time of an image file. The
// engine depends on this capability only for the "exif" sort mode;
// UnknownTakenAt lets callers opt out of image parsing entirely.
type TakenAtReader interface {
	TakenAt(path string) (time.Time, bool)
}

// UnknownTakenAt is a TakenAtReader that never knows the capture time,
// forcing the mtime fallback.
type UnknownTakenAt struct{}

// TakenAt always reports unknown.
func (UnknownTakenAt) TakenAt(string) (time.Time, bool) {
	return time.Time{}, false
}

// EXIFReader reads capture times from embedded EXIF metadata.
type EXIFReader struct{}

// TakenAt decodes the file's EXIF block and returns its DateTime tag.
// Any decode failure reports unknown; normalization then falls back to
// the file mtime.
func (EXIFReader) TakenAt(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, false
	}

	t, err := x.DateTime()
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}
