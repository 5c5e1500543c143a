package pyramid

import (
	"image"
	"testing"

	"github.com/jikhanjung/ctpyramid/internal/slice"
)

func uniformGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func uniformGray16(w, h int, v uint16) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	hi, lo := byte(v>>8), byte(v)
	for i := 0; i < len(img.Pix); i += 2 {
		img.Pix[i] = hi
		img.Pix[i+1] = lo
	}
	return img
}

func TestScenario1SmallEightBitStack(t *testing.T) {
	a := uniformGray(256, 256, 100)
	b := uniformGray(256, 256, 200)

	out, err := DownsamplePair(a, b)
	if err != nil {
		t.Fatalf("DownsamplePair: %v", err)
	}
	gray, ok := out.(*image.Gray)
	if !ok {
		t.Fatalf("got %T, want *image.Gray", out)
	}
	if gray.Bounds().Dx() != 128 || gray.Bounds().Dy() != 128 {
		t.Fatalf("dims = %v, want 128x128", gray.Bounds())
	}
	for i, v := range gray.Pix {
		if v != 150 {
			t.Fatalf("pixel %d = %d, want 150", i, v)
		}
	}
}

func TestScenario2SixteenBitOverflowSafety(t *testing.T) {
	a := uniformGray16(512, 512, 60000)
	b := uniformGray16(512, 512, 50000)

	out, err := DownsamplePair(a, b)
	if err != nil {
		t.Fatalf("DownsamplePair: %v", err)
	}
	gray16, ok := out.(*image.Gray16)
	if !ok {
		t.Fatalf("got %T, want *image.Gray16", out)
	}
	if gray16.Bounds().Dx() != 256 || gray16.Bounds().Dy() != 256 {
		t.Fatalf("dims = %v, want 256x256", gray16.Bounds())
	}
	for y := 0; y < gray16.Bounds().Dy(); y++ {
		for x := 0; x < gray16.Bounds().Dx(); x++ {
			got := gray16.Gray16At(x, y).Y
			if got != 55000 {
				t.Fatalf("pixel (%d,%d) = %d, want 55000", x, y, got)
			}
		}
	}
}

func TestBoxDownsampleDropsOddTrailingRowColumn(t *testing.T) {
	img := uniformGray(7, 5, 42)
	out, err := BoxDownsample2x2(img)
	if err != nil {
		t.Fatalf("BoxDownsample2x2: %v", err)
	}
	gray := out.(*image.Gray)
	if gray.Bounds().Dx() != 3 || gray.Bounds().Dy() != 2 {
		t.Fatalf("dims = %v, want 3x2 (floor of 7/2 x 5/2)", gray.Bounds())
	}
}

func TestBoxDownsampleFloorTruncation(t *testing.T) {
	// Values chosen so the box average is not exact: (1+1+1+2)/4 = 1.25 -> 1.
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Pix[0] = 1
	img.Pix[1] = 1
	img.Pix[2] = 1
	img.Pix[3] = 2

	out, err := BoxDownsample2x2(img)
	if err != nil {
		t.Fatalf("BoxDownsample2x2: %v", err)
	}
	gray := out.(*image.Gray)
	if gray.Pix[0] != 1 {
		t.Fatalf("got %d, want 1 (floor truncation, not rounding)", gray.Pix[0])
	}
}

func TestDownsamplePairSingleImage(t *testing.T) {
	img := uniformGray(4, 4, 77)
	out, err := DownsamplePair(img, nil)
	if err != nil {
		t.Fatalf("DownsamplePair with nil b: %v", err)
	}
	gray := out.(*image.Gray)
	if gray.Bounds().Dx() != 2 || gray.Bounds().Dy() != 2 {
		t.Fatalf("dims = %v, want 2x2", gray.Bounds())
	}
	for _, v := range gray.Pix {
		if v != 77 {
			t.Fatalf("pixel = %d, want 77 (uniform input stays uniform)", v)
		}
	}
}

func TestAveragePairDimensionMismatch(t *testing.T) {
	a := uniformGray(4, 4, 1)
	b := uniformGray(5, 5, 1)
	if _, err := AveragePair(a, b); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestDownsamplePairPooledMatchesUnpooled(t *testing.T) {
	a := uniformGray(16, 16, 100)
	b := uniformGray(16, 16, 200)

	want, err := DownsamplePair(a, b)
	if err != nil {
		t.Fatalf("DownsamplePair: %v", err)
	}
	got, err := DownsamplePairPooled(a, b, slice.BitDepth8)
	if err != nil {
		t.Fatalf("DownsamplePairPooled: %v", err)
	}
	wg, gg := want.(*image.Gray), got.(*image.Gray)
	if wg.Bounds() != gg.Bounds() {
		t.Fatalf("bounds differ: %v vs %v", wg.Bounds(), gg.Bounds())
	}
	for i := range wg.Pix {
		if wg.Pix[i] != gg.Pix[i] {
			t.Fatalf("pixel %d: pooled=%d unpooled=%d", i, gg.Pix[i], wg.Pix[i])
		}
	}
}

func TestAveragePairTypeMismatch(t *testing.T) {
	a := uniformGray(4, 4, 1)
	b := uniformGray16(4, 4, 1)
	if _, err := AveragePair(a, b); err == nil {
		t.Fatal("expected type mismatch error")
	}
}
