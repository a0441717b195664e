package encoder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/mtl/base"
)

// ErrUnknownBackbone is returned for a backbone name with no ResNet recipe.
var ErrUnknownBackbone = errors.New("unknown backbone")

type blockKind int

const (
	basic blockKind = iota
	bottleneck
)

func (k blockKind) expansion() int64 {
	if k == bottleneck {
		return 4
	}
	return 1
}

type recipe struct {
	block         blockKind
	layers        [4]int64
	groups        int64
	widthPerGroup int64
}

var recipes = map[string]recipe{
	"resnet18":         {basic, [4]int64{2, 2, 2, 2}, 1, 64},
	"resnet34":         {basic, [4]int64{3, 4, 6, 3}, 1, 64},
	"resnet50":         {bottleneck, [4]int64{3, 4, 6, 3}, 1, 64},
	"resnet101":        {bottleneck, [4]int64{3, 4, 23, 3}, 1, 64},
	"resnet152":        {bottleneck, [4]int64{3, 8, 36, 3}, 1, 64},
	"resnext50_32x4d":  {bottleneck, [4]int64{3, 4, 6, 3}, 32, 4},
	"resnext101_32x8d": {bottleneck, [4]int64{3, 4, 23, 3}, 32, 8},
	"wide_resnet50_2":  {bottleneck, [4]int64{3, 4, 6, 3}, 1, 128},
	"wide_resnet101_2": {bottleneck, [4]int64{3, 4, 23, 3}, 1, 128},
}

// Backbones lists the supported backbone names.
func Backbones() []string {
	names := make([]string, 0, len(recipes))
	for n := range recipes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ChannelCounts returns the channel count of the bottleneck features and of
// the scale-4 skip features produced by the named backbone.
func ChannelCounts(name string) (bottleneckCh, skip4xCh int64, err error) {
	r, ok := recipes[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownBackbone, name)
	}
	if r.block == basic {
		return 512, 64, nil
	}
	return 2048, 256, nil
}

// Options configures ResNetEncoder construction.
type Options struct {
	// ZeroInitResidual starts the last batch norm of every residual block
	// with a zero scale, so each block begins as an identity.
	ZeroInitResidual bool
	// ReplaceStrideWithDilation turns the stride-2 entry of layer2, layer3
	// and layer4 into a stride-1 dilated stage.
	ReplaceStrideWithDilation [3]bool
}

// ResNetEncoder is a ResNet without its pooling and classification head.
// Parameters are named as in torchvision so pretrained weights load as is.
type ResNetEncoder struct {
	stem   *nn.SequentialT
	layer1 stage
	layer2 stage
	layer3 stage
	layer4 stage
}

// ForwardAll implements Encoder interface for ResNetEncoder.
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) *Pyramid {
	// E.g. resnet34, no dilation, x [N 3 256 256]. Dilating layer4 keeps
	// x5 at [N 512 16 16].
	out := NewPyramid(x)

	x0 := e.stem.ForwardT(x, train) // [N  64 128 128]
	out.Insert(x0)
	x1 := x0.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false) // [N 64 64 64]
	out.Insert(x1)
	x2 := e.layer1.ForwardT(x1, train) // [N  64 64 64]
	out.Insert(x2)
	x3 := e.layer2.ForwardT(x2, train) // [N 128 32 32]
	out.Insert(x3)
	x4 := e.layer3.ForwardT(x3, train) // [N 256 16 16]
	out.Insert(x4)
	x5 := e.layer4.ForwardT(x4, train) // [N 512  8  8]
	out.Insert(x5)

	return out
}

// NewResNetEncoder creates the named ResNet encoder.
func NewResNetEncoder(p *nn.Path, name string, opts Options) (*ResNetEncoder, error) {
	r, ok := recipes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackbone, name)
	}

	b := &builder{recipe: r, opts: opts, inplanes: 64, dilation: 1}
	return &ResNetEncoder{
		stem:   stem(p), // NOTE. `conv1` and `bn1` are at root of pretrained model
		layer1: b.layer(p.Sub("layer1"), 64, r.layers[0], 1, false),
		layer2: b.layer(p.Sub("layer2"), 128, r.layers[1], 2, opts.ReplaceStrideWithDilation[0]),
		layer3: b.layer(p.Sub("layer3"), 256, r.layers[2], 2, opts.ReplaceStrideWithDilation[1]),
		layer4: b.layer(p.Sub("layer4"), 512, r.layers[3], 2, opts.ReplaceStrideWithDilation[2]),
	}, nil
}

func stem(p *nn.Path) *nn.SequentialT {
	seq := nn.SeqT()
	seq.Add(base.Conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2))
	seq.Add(nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig()))
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}

// builder tracks the running input width and dilation across stages.
type builder struct {
	recipe   recipe
	opts     Options
	inplanes int64
	dilation int64
}

// stage is one ResNet layer: residual blocks applied in order.
type stage []ts.ModuleT

func (s stage) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out := s[0].ForwardT(x, train)
	for _, block := range s[1:] {
		next := block.ForwardT(out, train)
		out.MustDrop()
		out = next
	}

	return out
}

func (b *builder) layer(path *nn.Path, planes, cnt, stride int64, dilate bool) stage {
	previousDilation := b.dilation
	firstDilation := previousDilation
	if dilate {
		b.dilation *= stride
		stride = 1
		firstDilation = 2
	}

	layer := stage{b.block(path.Sub("0"), planes, stride, firstDilation)}
	b.inplanes = planes * b.recipe.block.expansion()
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer = append(layer, b.block(path.Sub(fmt.Sprint(blockIndex)), planes, 1, b.dilation))
	}

	return layer
}

func (b *builder) block(path *nn.Path, planes, stride, dilation int64) ts.ModuleT {
	if b.recipe.block == basic {
		return NewBasicBlock(path, b.inplanes, planes, stride, dilation, b.opts.ZeroInitResidual)
	}
	width := planes * b.recipe.widthPerGroup / 64 * b.recipe.groups
	return NewBottleneck(path, b.inplanes, width, planes*4, stride, dilation, b.recipe.groups, b.opts.ZeroInitResidual)
}

func batchNorm(p *nn.Path, c int64, zeroInit bool) *nn.BatchNorm {
	config := nn.DefaultBatchNormConfig()
	if zeroInit {
		config.WsInit = nn.NewConstInit(0.0)
	}
	return nn.BatchNorm2D(p, c, config)
}

func downSample(path *nn.Path, cIn, cOut, stride int64) ts.ModuleT {
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(base.Conv2dNoBias(path.Sub("0"), cIn, cOut, 1, 0, stride))
		seq.Add(nn.BatchNorm2D(path.Sub("1"), cOut, nn.DefaultBatchNormConfig()))

		return seq
	}
	return nn.SeqT()
}

// BasicBlock is the two-conv residual block of resnet18/34. Unlike the
// torchvision block it accepts a dilation for its second convolution.
type BasicBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Downsample ts.ModuleT
}

// NewBasicBlock creates a BasicBlock; stride applies to conv1, dilation to conv2.
func NewBasicBlock(path *nn.Path, cIn, cOut, stride, dilation int64, zeroInit bool) *BasicBlock {
	conv1 := base.Conv2dAtrous(path.Sub("conv1"), cIn, cOut, 3, stride, 1, 1)
	bn1 := nn.BatchNorm2D(path.Sub("bn1"), cOut, nn.DefaultBatchNormConfig())
	conv2 := base.Conv2dAtrous(path.Sub("conv2"), cOut, cOut, 3, 1, dilation, 1)
	bn2 := batchNorm(path.Sub("bn2"), cOut, zeroInit)
	downsample := downSample(path.Sub("downsample"), cIn, cOut, stride)

	return &BasicBlock{conv1, bn1, conv2, bn2, downsample}
}

// ForwardT implements ts.ModuleT for BasicBlock.
func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	bn1Ts := bb.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1Ts.MustRelu(true)
	c2 := bb.Conv2.ForwardT(relu, train)
	relu.MustDrop()
	bn2Ts := bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	dsl := bb.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn2Ts, true)
	bn2Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}

// Bottleneck is the 1x1-3x3-1x1 residual block of resnet50 and deeper,
// with grouped 3x3 convolution for the resnext variants.
type Bottleneck struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Conv3      *nn.Conv2D
	Bn3        *nn.BatchNorm
	Downsample ts.ModuleT
}

// NewBottleneck creates a Bottleneck whose grouped 3x3 conv carries stride and dilation.
func NewBottleneck(path *nn.Path, cIn, width, cOut, stride, dilation, groups int64, zeroInit bool) *Bottleneck {
	return &Bottleneck{
		Conv1:      base.Conv2dNoBias(path.Sub("conv1"), cIn, width, 1, 0, 1),
		Bn1:        nn.BatchNorm2D(path.Sub("bn1"), width, nn.DefaultBatchNormConfig()),
		Conv2:      base.Conv2dAtrous(path.Sub("conv2"), width, width, 3, stride, dilation, groups),
		Bn2:        nn.BatchNorm2D(path.Sub("bn2"), width, nn.DefaultBatchNormConfig()),
		Conv3:      base.Conv2dNoBias(path.Sub("conv3"), width, cOut, 1, 0, 1),
		Bn3:        batchNorm(path.Sub("bn3"), cOut, zeroInit),
		Downsample: downSample(path.Sub("downsample"), cIn, cOut, stride),
	}
}

// ForwardT implements ts.ModuleT for Bottleneck.
func (bt *Bottleneck) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bt.Conv1.ForwardT(x, train)
	bn1Ts := bt.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu1 := bn1Ts.MustRelu(true)
	c2 := bt.Conv2.ForwardT(relu1, train)
	relu1.MustDrop()
	bn2Ts := bt.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	relu2 := bn2Ts.MustRelu(true)
	c3 := bt.Conv3.ForwardT(relu2, train)
	relu2.MustDrop()
	bn3Ts := bt.Bn3.ForwardT(c3, train)
	c3.MustDrop()
	dsl := bt.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn3Ts, true)
	bn3Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}
