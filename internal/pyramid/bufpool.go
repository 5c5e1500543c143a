package pyramid

import (
	"image"
	"sync"

	"github.com/jikhanjung/ctpyramid/internal/slice"
)

// bufPoolKey identifies a scratch-buffer pool by output dimensions and bit
// depth; a build typically only ever needs one or two distinct sizes (one
// per pyramid level), so this map stays small.
type bufPoolKey struct {
	w, h  int
	depth slice.BitDepth
}

var grayPools sync.Map

// getGray returns a zeroed *image.Gray or *image.Gray16 (depending on
// depth) of the given dimensions, reused from the pool when possible.
func getGray(w, h int, depth slice.BitDepth) image.Image {
	key := bufPoolKey{w, h, depth}
	if p, ok := grayPools.Load(key); ok {
		if v := p.(*sync.Pool).Get(); v != nil {
			switch img := v.(type) {
			case *image.Gray:
				clear(img.Pix)
				return img
			case *image.Gray16:
				clear(img.Pix)
				return img
			}
		}
	}
	if depth == slice.BitDepth16 {
		return image.NewGray16(image.Rect(0, 0, w, h))
	}
	return image.NewGray(image.Rect(0, 0, w, h))
}

// putGray returns img to its pool for reuse. Nil images are ignored.
func putGray(img image.Image) {
	if img == nil {
		return
	}
	var key bufPoolKey
	switch v := img.(type) {
	case *image.Gray:
		key = bufPoolKey{v.Rect.Dx(), v.Rect.Dy(), slice.BitDepth8}
	case *image.Gray16:
		key = bufPoolKey{v.Rect.Dx(), v.Rect.Dy(), slice.BitDepth16}
	default:
		return
	}
	p, _ := grayPools.LoadOrStore(key, &sync.Pool{})
	p.(*sync.Pool).Put(img)
}
