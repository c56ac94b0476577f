package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// Orienter rewrites an image file in place so that its pixels are upright,
// or leaves it untouched when nothing needs correcting.
type Orienter interface {
	Orient(path string) error
}

// ExifOrienter applies the EXIF orientation tag of JPEG files (the way phone
// cameras record rotation). Files without a tag, or tagged as already
// upright, are not rewritten. Other formats carry no tag and are left as is.
type ExifOrienter struct {
	Quality int
}

func (o ExifOrienter) Orient(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
	default:
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if exifOrientation(data) <= 1 {
		return nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	q := o.Quality
	if q <= 0 || q > 100 {
		q = 95
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(q)); err != nil {
		return fmt.Errorf("save oriented image: %w", err)
	}
	return nil
}

// exifOrientation returns the orientation tag (1-8), or 0 when the data has
// no readable tag.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 0
	}
	return v
}

// NopOrienter leaves every file unchanged.
type NopOrienter struct{}

func (NopOrienter) Orient(string) error { return nil }
