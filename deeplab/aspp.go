package deeplab

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/mtl/base"
)

// DefaultRates are the dilation rates of the three atrous ASPP branches.
var DefaultRates = [3]int64{3, 6, 9}

// ASPP is Atrous Spatial Pyramid Pooling: four convolutions at growing
// dilation plus an image-level branch, fused by a 1x1 convolution.
// Ref: https://arxiv.org/abs/1706.05587
type ASPP struct {
	conv1x1  *nn.SequentialT
	atrous   [3]*nn.SequentialT
	global   *nn.SequentialT
	fuse     *nn.SequentialT
	channels int64
}

// NewASPP creates ASPP projecting cIn channels to cOut channels.
// Rates default to DefaultRates.
func NewASPP(p *nn.Path, cIn, cOut int64, ratesOpt ...[3]int64) (*ASPP, error) {
	rates := DefaultRates
	if len(ratesOpt) > 0 {
		rates = ratesOpt[0]
	}
	if cIn <= 0 || cOut <= 0 {
		return nil, fmt.Errorf("aspp: channels must be positive, got in=%d out=%d", cIn, cOut)
	}
	for _, r := range rates {
		if r <= 0 {
			return nil, fmt.Errorf("aspp: dilation rates must be positive, got %v", rates)
		}
	}

	m := &ASPP{
		conv1x1:  base.Conv2dBnRelu(p.Sub("conv_1"), cIn, cOut, 1, 1, false),
		global:   base.Conv2dBnRelu(p.Sub("conv1x1_global"), cIn, cOut, 1, 1, false),
		fuse:     base.Conv2dBnRelu(p.Sub("conv_final"), cOut*5, cOut, 1, 1, false),
		channels: cOut,
	}
	for i, r := range rates {
		m.atrous[i] = base.Conv2dBnRelu(p.Sub(fmt.Sprintf("conv_%d", i+2)), cIn, cOut, 3, r, false)
	}

	return m, nil
}

// ForwardT implements ts.ModuleT for ASPP struct.
// Output has the spatial size of x. In training mode the global pooling
// branch batch-normalizes a 1x1 map, so x needs a batch of at least 2.
func (m *ASPP) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()[2:]

	branches := make([]*ts.Tensor, 0, 5)
	branches = append(branches, m.conv1x1.ForwardT(x, train))
	for _, conv := range m.atrous {
		branches = append(branches, conv.ForwardT(x, train))
	}

	pooled := x.MustAdaptiveAvgPool2d([]int64{1, 1}, false) // [N C 1 1]
	globalFeat := m.global.ForwardT(pooled, train)
	pooled.MustDrop()
	branches = append(branches, base.Resize(globalFeat, size))
	globalFeat.MustDrop()

	cat := ts.MustCat(branches, 1) // [N 5*cOut H W]
	for _, b := range branches {
		b.MustDrop()
	}
	res := m.fuse.ForwardT(cat, train)
	cat.MustDrop()

	return res
}

// OutChannels returns the number of output channels.
func (m *ASPP) OutChannels() int64 {
	return m.channels
}
