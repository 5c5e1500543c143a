package pyramid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/jikhanjung/ctpyramid/internal/slice"
)

// ErrDimensionMismatch is returned when a pair of inputs to the downsampler
// do not share the same pixel dimensions.
var ErrDimensionMismatch = errors.New("image dimensions do not match")

// ErrUnsupportedImageType is returned when the downsampler is given
// something other than *image.Gray or *image.Gray16.
var ErrUnsupportedImageType = errors.New("unsupported image type for downsampling")

// AveragePair computes the overflow-safe per-pixel average of two
// equal-sized, equal-bit-depth grayscale images: promote each pixel to a
// wider accumulator, average with truncation toward zero ((a+b)/2, not
// rounded), then cast back to the original bit width. Mirrors spec §4.C
// steps 1-3.
func AveragePair(a, b image.Image) (image.Image, error) {
	switch av := a.(type) {
	case *image.Gray:
		bv, ok := b.(*image.Gray)
		if !ok {
			return nil, fmt.Errorf("%w: averaging *image.Gray with %T", ErrUnsupportedImageType, b)
		}
		return averagePairGray(av, bv)
	case *image.Gray16:
		bv, ok := b.(*image.Gray16)
		if !ok {
			return nil, fmt.Errorf("%w: averaging *image.Gray16 with %T", ErrUnsupportedImageType, b)
		}
		return averagePairGray16(av, bv)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedImageType, a)
	}
}

// BoxDownsample2x2 halves img's dimensions via 2x2 box averaging:
// out(y,x) = floor((in(2y,2x)+in(2y,2x+1)+in(2y+1,2x)+in(2y+1,2x+1))/4),
// with the same overflow-safe promotion as AveragePair. A trailing odd
// row or column is dropped (spec §4.C step 4).
func BoxDownsample2x2(img image.Image) (image.Image, error) {
	switch v := img.(type) {
	case *image.Gray:
		return boxDownsampleGray(v), nil
	case *image.Gray16:
		return boxDownsampleGray16(v), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedImageType, img)
	}
}

// DownsamplePair implements the full Pair Downsampler contract (spec
// §4.C): average a and b, then box-downsample the result. When b is nil
// (the trailing single-image case for an odd input count), only the
// spatial box-downsample step runs.
func DownsamplePair(a, b image.Image) (image.Image, error) {
	if b == nil {
		return BoxDownsample2x2(a)
	}
	avg, err := AveragePair(a, b)
	if err != nil {
		return nil, err
	}
	return BoxDownsample2x2(avg)
}

// DownsamplePairPooled is DownsamplePair with its averaging scratch buffer
// drawn from the scheduler's buffer pool (bufpool.go) instead of freshly
// allocated, since a build produces one such buffer per task and the
// worker pool makes that churn worth avoiding.
func DownsamplePairPooled(a, b image.Image, depth slice.BitDepth) (image.Image, error) {
	if b == nil {
		return BoxDownsample2x2(a)
	}
	bounds := a.Bounds()
	avg := getGray(bounds.Dx(), bounds.Dy(), depth)
	defer putGray(avg)

	if err := averagePairInto(avg, a, b); err != nil {
		return nil, err
	}
	return BoxDownsample2x2(avg)
}

func averagePairInto(dst image.Image, a, b image.Image) error {
	switch av := a.(type) {
	case *image.Gray:
		bv, ok := b.(*image.Gray)
		if !ok {
			return fmt.Errorf("%w: averaging *image.Gray with %T", ErrUnsupportedImageType, b)
		}
		dv, ok := dst.(*image.Gray)
		if !ok {
			return fmt.Errorf("%w: pooled scratch buffer is %T, want *image.Gray", ErrUnsupportedImageType, dst)
		}
		return averagePairGrayInto(dv, av, bv)
	case *image.Gray16:
		bv, ok := b.(*image.Gray16)
		if !ok {
			return fmt.Errorf("%w: averaging *image.Gray16 with %T", ErrUnsupportedImageType, b)
		}
		dv, ok := dst.(*image.Gray16)
		if !ok {
			return fmt.Errorf("%w: pooled scratch buffer is %T, want *image.Gray16", ErrUnsupportedImageType, dst)
		}
		return averagePairGray16Into(dv, av, bv)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedImageType, a)
	}
}

func dimsMatch(a, b image.Rectangle) bool {
	return a.Dx() == b.Dx() && a.Dy() == b.Dy()
}

func averagePairGray(a, b *image.Gray) (*image.Gray, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if !dimsMatch(ab, bb) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, ab, bb)
	}
	out := image.NewGray(image.Rect(0, 0, ab.Dx(), ab.Dy()))
	return out, averagePairGrayInto(out, a, b)
}

func averagePairGrayInto(out, a, b *image.Gray) error {
	ab, bb := a.Bounds(), b.Bounds()
	if !dimsMatch(ab, bb) || !dimsMatch(ab, out.Bounds()) {
		return fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, ab, bb)
	}
	w, h := ab.Dx(), ab.Dy()
	for y := 0; y < h; y++ {
		aRow := a.PixOffset(ab.Min.X, ab.Min.Y+y)
		bRow := b.PixOffset(bb.Min.X, bb.Min.Y+y)
		outRow := out.PixOffset(0, y)
		for x := 0; x < w; x++ {
			sum := uint16(a.Pix[aRow+x]) + uint16(b.Pix[bRow+x])
			out.Pix[outRow+x] = uint8(sum / 2)
		}
	}
	return nil
}

func averagePairGray16(a, b *image.Gray16) (*image.Gray16, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if !dimsMatch(ab, bb) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, ab, bb)
	}
	out := image.NewGray16(image.Rect(0, 0, ab.Dx(), ab.Dy()))
	return out, averagePairGray16Into(out, a, b)
}

func averagePairGray16Into(out, a, b *image.Gray16) error {
	ab, bb := a.Bounds(), b.Bounds()
	if !dimsMatch(ab, bb) || !dimsMatch(ab, out.Bounds()) {
		return fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, ab, bb)
	}
	w, h := ab.Dx(), ab.Dy()
	for y := 0; y < h; y++ {
		aRow := a.PixOffset(ab.Min.X, ab.Min.Y+y)
		bRow := b.PixOffset(bb.Min.X, bb.Min.Y+y)
		outRow := out.PixOffset(0, y)
		for x := 0; x < w; x++ {
			av := binary.BigEndian.Uint16(a.Pix[aRow+2*x : aRow+2*x+2])
			bv := binary.BigEndian.Uint16(b.Pix[bRow+2*x : bRow+2*x+2])
			sum := uint32(av) + uint32(bv)
			binary.BigEndian.PutUint16(out.Pix[outRow+2*x:outRow+2*x+2], uint16(sum/2))
		}
	}
	return nil
}

func boxDownsampleGray(img *image.Gray) *image.Gray {
	b := img.Bounds()
	ow, oh := b.Dx()/2, b.Dy()/2
	out := image.NewGray(image.Rect(0, 0, ow, oh))
	for y := 0; y < oh; y++ {
		row0 := img.PixOffset(b.Min.X, b.Min.Y+2*y)
		row1 := img.PixOffset(b.Min.X, b.Min.Y+2*y+1)
		outRow := out.PixOffset(0, y)
		for x := 0; x < ow; x++ {
			sx0, sx1 := 2*x, 2*x+1
			sum := uint16(img.Pix[row0+sx0]) + uint16(img.Pix[row0+sx1]) +
				uint16(img.Pix[row1+sx0]) + uint16(img.Pix[row1+sx1])
			out.Pix[outRow+x] = uint8(sum / 4)
		}
	}
	return out
}

func boxDownsampleGray16(img *image.Gray16) *image.Gray16 {
	b := img.Bounds()
	ow, oh := b.Dx()/2, b.Dy()/2
	out := image.NewGray16(image.Rect(0, 0, ow, oh))
	for y := 0; y < oh; y++ {
		row0 := img.PixOffset(b.Min.X, b.Min.Y+2*y)
		row1 := img.PixOffset(b.Min.X, b.Min.Y+2*y+1)
		outRow := out.PixOffset(0, y)
		for x := 0; x < ow; x++ {
			sx0, sx1 := 2*x, 2*x+1
			p00 := binary.BigEndian.Uint16(img.Pix[row0+2*sx0 : row0+2*sx0+2])
			p01 := binary.BigEndian.Uint16(img.Pix[row0+2*sx1 : row0+2*sx1+2])
			p10 := binary.BigEndian.Uint16(img.Pix[row1+2*sx0 : row1+2*sx0+2])
			p11 := binary.BigEndian.Uint16(img.Pix[row1+2*sx1 : row1+2*sx1+2])
			sum := uint32(p00) + uint32(p01) + uint32(p10) + uint32(p11)
			binary.BigEndian.PutUint16(out.Pix[outRow+2*x:outRow+2*x+2], uint16(sum/4))
		}
	}
	return out
}
