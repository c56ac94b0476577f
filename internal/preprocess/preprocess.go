// Package preprocess turns an uploaded photo into a raster tesseract reads
// well: single-channel luminance, a detail-enhancing pass and a sharpening
// pass, written out as PNG.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode means the input is unreadable or not a decodable image.
	ErrDecode = errors.New("image cannot be decoded")
	// ErrTooLarge means the decoded raster exceeds the configured pixel limit.
	ErrTooLarge = errors.New("image dimensions too large")
)

// DefaultMaxPixels bounds decode memory (~60 MP, well above phone cameras).
const DefaultMaxPixels = 60_000_000

var (
	// 3x3 kernels, normalised by their sums (6 and 16).
	detailKernel  = [9]float64{0, -1, 0, -1, 10, -1, 0, -1, 0}
	sharpenKernel = [9]float64{-2, -2, -2, -2, 32, -2, -2, -2, -2}
)

type Preprocessor struct {
	MaxPixels int
}

func New(maxPixels int) *Preprocessor {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Preprocessor{MaxPixels: maxPixels}
}

// Prepare reads src, runs grayscale -> detail -> sharpen in that order and
// writes a single-channel PNG to dst. It is deterministic; callers should not
// retry on error.
func (p *Preprocessor) Prepare(src, dst string) error {
	if err := p.checkDimensions(src); err != nil {
		return err
	}
	img, err := imaging.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	out := Enhance(img)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create prepared image: %w", err)
	}
	if err := png.Encode(f, out); err != nil {
		f.Close()
		return fmt.Errorf("encode prepared image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write prepared image: %w", err)
	}
	return nil
}

// Enhance applies the filter chain to an in-memory image.
func Enhance(img image.Image) *image.Gray {
	gray := imaging.Grayscale(img)
	detailed := imaging.Convolve3x3(gray, detailKernel, &imaging.ConvolveOptions{Normalize: true})
	sharpened := imaging.Convolve3x3(detailed, sharpenKernel, &imaging.ConvolveOptions{Normalize: true})

	b := sharpened.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), sharpened, b.Min, draw.Src)
	return out
}

func (p *Preprocessor) checkDimensions(src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	limit := p.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: empty raster", ErrDecode)
	}
	if cfg.Width*cfg.Height > limit {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}
