package base

import (
	"reflect"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Identity is a nn.ModuleT placeholder.
// It forwards the input tensor as such.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustShallowClone()
}

// ForwardT implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// SqueezeExcitation rescales channels with a gate learned from their global mean.
// Ref. https://arxiv.org/abs/1709.01507
type SqueezeExcitation struct {
	transform *nn.SequentialT
}

// ForwardT implement ts.ModuleT for SqueezeExcitation struct.
func (m *SqueezeExcitation) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	scale := m.transform.ForwardT(x, train) // [N C 1 1]
	res := x.MustMul(scale, false)
	scale.MustDrop()

	return res
}

// NewSqueezeExcitation creates new SqueezeExcitation. Default reduction is 16.
func NewSqueezeExcitation(p *nn.Path, channels int64, reductionOpt ...int64) *SqueezeExcitation {
	var reduction int64 = 16
	if len(reductionOpt) > 0 {
		reduction = reductionOpt[0]
	}
	hidden := channels / reduction
	if hidden < 1 {
		hidden = 1
	}

	seq := nn.SeqT()
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	}))
	seq.Add(Conv2d(p.Sub("sqzconv1"), channels, hidden, 1, 0, 1))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	seq.Add(Conv2d(p.Sub("sqzconv2"), hidden, channels, 1, 0, 1))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustSigmoid(false)
	}))

	return &SqueezeExcitation{seq}
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dAtrous creates a no-bias Conv2D with the given dilation and groups.
// Padding equals dilation*(ksize-1)/2 so that stride 1 preserves spatial size.
func Conv2dAtrous(p *nn.Path, cIn, cOut, ksize, stride, dilation, groups int64) *nn.Conv2D {
	padding := dilation * (ksize - 1) / 2
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}
	config.Dilation = []int64{dilation, dilation}
	config.Groups = groups

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dBnRelu creates a SequentialT composing of Conv2D, BatchNorm and a ReLU activation.
// Padding is derived from dilation as in Conv2dAtrous.
func Conv2dBnRelu(p *nn.Path, cIn, cOut, ksize, dilation int64, bias bool) *nn.SequentialT {
	padding := dilation * (ksize - 1) / 2
	config := nn.DefaultConv2DConfig()
	config.Bias = bias
	config.Padding = []int64{padding, padding}
	config.Dilation = []int64{dilation, dilation}

	seq := nn.SeqT()
	seq.Add(nn.NewConv2D(p.Sub("conv"), cIn, cOut, ksize, config))
	seq.Add(nn.BatchNorm2D(p.Sub("bn"), cOut, nn.DefaultBatchNormConfig()))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}

// Resize interpolates x to size (height, width) using `bilinear` algorithm
// with corners not aligned. x should be in shape: [BatchSize CHW].
// It always returns a new tensor that the caller should drop.
func Resize(x *ts.Tensor, size []int64) *ts.Tensor {
	xSize := x.MustSize()
	if reflect.DeepEqual(xSize[2:], size) {
		return x.MustShallowClone()
	}

	return x.MustUpsampleBilinear2d(size, false, nil, nil, false)
}
