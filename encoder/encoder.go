package encoder

import (
	"fmt"
	"sort"

	"github.com/sugarme/gotch/ts"
)

// Encoder is encoder interface for a dense prediction model.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) *Pyramid
}

// Pyramid maps a downscale factor, relative to the input width, to the
// feature map computed at that scale. A later insert at an existing scale
// replaces the earlier feature map.
type Pyramid struct {
	inputWidth int64
	levels     map[int64]*ts.Tensor
}

// NewPyramid creates a Pyramid whose scale-1 level is the input itself.
// The input is borrowed: Drop never releases it.
func NewPyramid(input *ts.Tensor) *Pyramid {
	size := input.MustSize()
	if len(size) != 4 {
		panic(fmt.Sprintf("encoder: expected input of shape [N C H W], got %v", size))
	}

	return &Pyramid{
		inputWidth: size[3],
		levels:     map[int64]*ts.Tensor{1: input},
	}
}

// Insert stores x at scale inputWidth / width(x) and returns that scale.
// It panics if the input width is not an exact multiple of the width of x.
func (p *Pyramid) Insert(x *ts.Tensor) int64 {
	width := x.MustSize()[3]
	if width == 0 || p.inputWidth%width != 0 {
		panic(fmt.Sprintf("encoder: input width %d is not divisible by feature width %d", p.inputWidth, width))
	}
	scale := p.inputWidth / width
	if old, ok := p.levels[scale]; ok && scale != 1 {
		old.MustDrop()
	}
	p.levels[scale] = x

	return scale
}

// At returns the feature map at scale. It panics if the scale is missing.
func (p *Pyramid) At(scale int64) *ts.Tensor {
	x, ok := p.levels[scale]
	if !ok {
		panic(fmt.Sprintf("encoder: no features at scale %d (have %v)", scale, p.Scales()))
	}
	return x
}

// Scales returns the stored scales in increasing order.
func (p *Pyramid) Scales() []int64 {
	scales := make([]int64, 0, len(p.levels))
	for s := range p.levels {
		scales = append(scales, s)
	}
	sort.Slice(scales, func(i, j int) bool { return scales[i] < scales[j] })
	return scales
}

// Bottleneck returns the deepest scale and its features.
func (p *Pyramid) Bottleneck() (int64, *ts.Tensor) {
	scales := p.Scales()
	deepest := scales[len(scales)-1]
	return deepest, p.levels[deepest]
}

// Drop releases every feature map except the borrowed input.
func (p *Pyramid) Drop() {
	for s, x := range p.levels {
		if s != 1 {
			x.MustDrop()
		}
	}
	p.levels = map[int64]*ts.Tensor{}
}
