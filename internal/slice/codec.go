// Package slice reads and writes the grayscale slice images the pyramid
// builder operates on: 8- and 16-bit TIFF, BMP, PNG, and JPEG.
package slice

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoding with image.Decode
	_ "image/png"  // register PNG decoding with image.Decode
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/bmp" // register BMP decoding with image.Decode
	"golang.org/x/image/tiff"
)

// BitDepth is the pixel bit width of a slice image: always 8 or 16.
type BitDepth int

const (
	BitDepth8  BitDepth = 8
	BitDepth16 BitDepth = 16
)

// ErrUnsupportedFormat is returned when an image's color model is not a
// recognised grayscale form (8- or 16-bit). Indexed, RGB, RGBA, and
// floating-point images all fall in this bucket.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// ErrDecode is returned when pixel decoding fails after the header probe
// succeeded (a truncated or corrupt file body, for example).
var ErrDecode = errors.New("image decode failed")

// ErrIO is returned when the underlying file read or write fails.
var ErrIO = errors.New("image io failed")

// Extensions lists the slice-file extensions recognised by the Level
// Planner, lowercase and without the leading dot.
var Extensions = []string{"tif", "tiff", "bmp", "png", "jpg", "jpeg"}

// IsSliceExtension reports whether ext (with or without a leading dot) is
// one of the recognised slice-file extensions, case-insensitively.
func IsSliceExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Dimensions returns the image's pixel width and height by decoding only
// its header.
func Dimensions(path string) (w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: decoding header of %s: %v", ErrDecode, path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// DetectBitDepth opens the image header only and returns 8 or 16. Images
// whose color model is not color.GrayModel or color.Gray16Model are
// rejected with ErrUnsupportedFormat, including indexed, RGB, RGBA, and
// floating-point images.
func DetectBitDepth(path string) (BitDepth, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	defer f.Close()
	return detectBitDepth(f, path)
}

func detectBitDepth(r io.Reader, path string) (BitDepth, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return 0, fmt.Errorf("%w: decoding header of %s: %v", ErrDecode, path, err)
	}
	switch cfg.ColorModel {
	case color.GrayModel:
		return BitDepth8, nil
	case color.Gray16Model:
		return BitDepth16, nil
	default:
		return 0, fmt.Errorf("%w: %s (format %s) is not 8- or 16-bit grayscale", ErrUnsupportedFormat, path, format)
	}
}

// LoadGray decodes path fully and returns its pixel matrix as *image.Gray
// (8-bit) or *image.Gray16 (16-bit). Fails with ErrUnsupportedFormat for
// non-grayscale images, ErrIO for read failures, or ErrDecode for a
// corrupted body.
func LoadGray(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrDecode, path, err)
	}

	switch g := img.(type) {
	case *image.Gray:
		return g, nil
	case *image.Gray16:
		return g, nil
	default:
		return nil, fmt.Errorf("%w: %s decoded to %T, not 8- or 16-bit grayscale", ErrUnsupportedFormat, path, img)
	}
}

// SaveGrayTIFF writes img (which must be *image.Gray or *image.Gray16) as a
// TIFF file at path. When compress is true the output uses deflate
// compression; otherwise it is written uncompressed.
func SaveGrayTIFF(path string, img image.Image, compress bool) error {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
	default:
		return fmt.Errorf("%w: SaveGrayTIFF given %T, want *image.Gray or *image.Gray16", ErrUnsupportedFormat, img)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrIO, path, err)
	}

	opts := &tiff.Options{Compression: tiff.Uncompressed}
	if compress {
		opts.Compression = tiff.Deflate
	}
	if err := tiff.Encode(f, img, opts); err != nil {
		f.Close()
		return fmt.Errorf("%w: encoding %s: %v", ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, path, err)
	}
	return nil
}

// BitDepthOf returns the bit depth of an already-decoded grayscale image.
func BitDepthOf(img image.Image) (BitDepth, error) {
	switch img.(type) {
	case *image.Gray:
		return BitDepth8, nil
	case *image.Gray16:
		return BitDepth16, nil
	default:
		return 0, fmt.Errorf("%w: %T is not 8- or 16-bit grayscale", ErrUnsupportedFormat, img)
	}
}
