package base

import (
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// SelfAttention gates a feature projection of x with a per-pixel sigmoid mask
// computed from the same x. The module is fed with one task's features and its
// output is consumed by the other task.
type SelfAttention struct {
	Conv      *nn.Conv2D // feature projection
	Attention *nn.Conv2D // gating logits
}

// NewSelfAttention creates SelfAttention with 3x3 no-bias convolutions.
//
// The gating convolution starts with all-zero weights, so a freshly built
// module outputs exactly half of the feature projection everywhere.
func NewSelfAttention(p *nn.Path, cIn, cOut int64) *SelfAttention {
	sa := &SelfAttention{
		Conv:      Conv2dNoBias(p.Sub("conv"), cIn, cOut, 3, 1, 1),
		Attention: Conv2dNoBias(p.Sub("attention"), cIn, cOut, 3, 1, 1),
	}
	sa.ResetGate()

	return sa
}

// ResetGate zeroes the gating convolution weights in place.
func (sa *SelfAttention) ResetGate() {
	ts.NoGrad(func() {
		zeros := sa.Attention.Ws.MustZerosLike(false)
		sa.Attention.Ws.Copy_(zeros)
		zeros.MustDrop()
	})
}

// ForwardT implements ts.ModuleT for SelfAttention struct.
func (sa *SelfAttention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	features := sa.Conv.ForwardT(x, train)
	logits := sa.Attention.ForwardT(x, train)
	mask := logits.MustSigmoid(true)
	res := features.MustMul(mask, true)
	mask.MustDrop()

	return res
}
