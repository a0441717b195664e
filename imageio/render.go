package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/sugarme/gotch/ts"
)

// Palette colours segmentation classes, Cityscapes order first.
var Palette = []color.NRGBA{
	{128, 64, 128, 255}, {244, 35, 232, 255}, {70, 70, 70, 255}, {102, 102, 156, 255},
	{190, 153, 153, 255}, {153, 153, 153, 255}, {250, 170, 30, 255}, {220, 220, 0, 255},
	{107, 142, 35, 255}, {152, 251, 152, 255}, {70, 130, 180, 255}, {220, 20, 60, 255},
	{255, 0, 0, 255}, {0, 0, 142, 255}, {0, 0, 70, 255}, {0, 60, 100, 255},
	{0, 80, 100, 255}, {0, 0, 230, 255}, {119, 11, 32, 255},
}

// planes returns the values of a single sample as [C][H*W] plus H and W.
// x must be [C H W] or [1 C H W].
func planes(x *ts.Tensor) ([][]float64, int, int, error) {
	size := x.MustSize()
	if len(size) == 4 {
		if size[0] != 1 {
			return nil, 0, 0, fmt.Errorf("expected a single sample, got batch of %d", size[0])
		}
		size = size[1:]
	}
	if len(size) != 3 {
		return nil, 0, 0, fmt.Errorf("expected [C H W] prediction, got shape %v", x.MustSize())
	}

	c, h, w := int(size[0]), int(size[1]), int(size[2])
	dense := x.MustDetach(false).MustContiguous(true)
	vals := dense.Float64Values()
	dense.MustDrop()

	out := make([][]float64, c)
	for i := range out {
		out[i] = vals[i*h*w : (i+1)*h*w]
	}
	return out, h, w, nil
}

// SegmentationImage colours the per-pixel argmax of class scores.
func SegmentationImage(x *ts.Tensor) (*image.NRGBA, error) {
	scores, h, w, err := planes(x)
	if err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < h*w; i++ {
		best := 0
		for c := 1; c < len(scores); c++ {
			if scores[c][i] > scores[best][i] {
				best = c
			}
		}
		img.SetNRGBA(i%w, i/w, Palette[best%len(Palette)])
	}
	return img, nil
}

// DepthImage maps a single-channel prediction to grayscale, min to black and
// max to white.
func DepthImage(x *ts.Tensor) (*image.Gray, error) {
	depth, h, w, err := planes(x)
	if err != nil {
		return nil, err
	}
	if len(depth) != 1 {
		return nil, fmt.Errorf("expected 1 depth channel, got %d", len(depth))
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range depth[0] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range depth[0] {
		img.SetGray(i%w, i/w, color.Gray{Y: uint8(math.Round((v - lo) / span * 255))})
	}
	return img, nil
}
