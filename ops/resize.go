package ops

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/pdevine/tensor"
	"golang.org/x/image/draw"
)

// ResizeNearest scales a single-channel mask to h x w with nearest-neighbour
// sampling. Output pixel (y, x) takes source pixel
// (floor(y*mh/h), floor(x*mw/w)). The mask may carry leading dimensions of
// size one; the result is always two dimensional. Values are clamped to
// [0, 1].
func ResizeNearest(mask *tensor.Dense, h, w int) (*tensor.Dense, error) {
	shape := Shape(mask)
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: mask %v has no spatial dimensions", ErrShape, shape)
	}
	for _, d := range shape[:len(shape)-2] {
		if d != 1 {
			return nil, fmt.Errorf("%w: mask %v is not single channel", ErrShape, shape)
		}
	}

	mh, mw := shape[len(shape)-2], shape[len(shape)-1]
	if h <= 0 || w <= 0 || mh <= 0 || mw <= 0 {
		return nil, fmt.Errorf("%w: resize %v to %dx%d", ErrShape, shape, h, w)
	}

	switch {
	case mh == h && mw == w:
		return Reshape(mask, h, w)
	case h%mh == 0 && w%mw == 0:
		return scaleUp(mask, mh, mw, h, w), nil
	}

	src := Data(mask)
	out := make([]float32, h*w)
	for y := range h {
		sy := y * mh / h
		for x := range w {
			out[y*w+x] = min(max(src[sy*mw+x*mw/w], 0), 1)
		}
	}
	return New(out, h, w), nil
}

// scaleUp enlarges mask by whole factors. The x/image scaler samples pixel
// centres, which agrees with floor sampling only when every source pixel
// covers a whole number of output pixels. Values are quantized to 16 bits.
func scaleUp(mask *tensor.Dense, mh, mw, h, w int) *tensor.Dense {
	src := image.NewGray16(image.Rect(0, 0, mw, mh))
	data := Data(mask)
	for y := range mh {
		for x := range mw {
			v := min(max(data[y*mw+x], 0), 1)
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(float64(v) * math.MaxUint16))})
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, h*w)
	for y := range h {
		for x := range w {
			out[y*w+x] = float32(dst.Gray16At(x, y).Y) / math.MaxUint16
		}
	}
	return New(out, h, w)
}

// Binarize maps values below 0.5 to 0 and the rest to 1, then multiplies by
// strength.
func Binarize(t *tensor.Dense, strength float32) *tensor.Dense {
	out := Clone(t)
	data := Data(out)
	for i, v := range data {
		if v < 0.5 {
			data[i] = 0
		} else {
			data[i] = strength
		}
	}
	return out
}
