package encoder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/mtl/encoder"
)

func forward(t *testing.T, name string, opts encoder.Options, size []int64, check func(p *encoder.Pyramid)) {
	t.Helper()
	vs := nn.NewVarStore(gotch.CPU)
	enc, err := encoder.NewResNetEncoder(vs.Root(), name, opts)
	require.NoError(t, err)

	ts.NoGrad(func() {
		x := ts.MustRand(size, gotch.Float, gotch.CPU)
		p := enc.ForwardAll(x, false)
		check(p)
		p.Drop()
		x.MustDrop()
	})
}

func TestResNetEncoderPyramid(t *testing.T) {
	forward(t, "resnet18", encoder.Options{}, []int64{2, 3, 64, 128}, func(p *encoder.Pyramid) {
		assert.Equal(t, []int64{1, 2, 4, 8, 16, 32}, p.Scales())
		assert.Equal(t, []int64{2, 64, 32, 64}, p.At(2).MustSize())
		assert.Equal(t, []int64{2, 64, 16, 32}, p.At(4).MustSize())
		assert.Equal(t, []int64{2, 128, 8, 16}, p.At(8).MustSize())
		assert.Equal(t, []int64{2, 256, 4, 8}, p.At(16).MustSize())

		scale, x := p.Bottleneck()
		assert.Equal(t, int64(32), scale)
		assert.Equal(t, []int64{2, 512, 2, 4}, x.MustSize())
	})
}

func TestResNetEncoderDilation(t *testing.T) {
	opts := encoder.Options{ReplaceStrideWithDilation: [3]bool{false, false, true}}
	forward(t, "resnet34", opts, []int64{1, 3, 64, 64}, func(p *encoder.Pyramid) {
		assert.Equal(t, []int64{1, 2, 4, 8, 16}, p.Scales())
		scale, x := p.Bottleneck()
		assert.Equal(t, int64(16), scale)
		assert.Equal(t, []int64{1, 512, 4, 4}, x.MustSize())
	})

	opts = encoder.Options{ReplaceStrideWithDilation: [3]bool{false, true, true}}
	forward(t, "resnet18", opts, []int64{1, 3, 64, 64}, func(p *encoder.Pyramid) {
		scale, x := p.Bottleneck()
		assert.Equal(t, int64(8), scale)
		assert.Equal(t, []int64{1, 512, 8, 8}, x.MustSize())
	})
}

func TestResNetEncoderChannelCountsMatch(t *testing.T) {
	opts := encoder.Options{ZeroInitResidual: true, ReplaceStrideWithDilation: [3]bool{false, false, true}}
	for _, name := range []string{"resnet18", "resnet50", "resnext50_32x4d"} {
		bottleneck, skip, err := encoder.ChannelCounts(name)
		require.NoError(t, err)

		forward(t, name, opts, []int64{1, 3, 64, 64}, func(p *encoder.Pyramid) {
			_, x := p.Bottleneck()
			assert.Equal(t, bottleneck, x.MustSize()[1], name)
			assert.Equal(t, skip, p.At(4).MustSize()[1], name)
		})
	}
}

func TestResNetEncoderParameterNames(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.NewResNetEncoder(vs.Root(), "resnet50", encoder.Options{})
	require.NoError(t, err)

	vars := vs.Variables()
	for _, name := range []string{
		"conv1.weight",
		"bn1.weight",
		"layer1.0.conv3.weight",
		"layer1.0.downsample.0.weight",
		"layer4.2.bn3.bias",
	} {
		assert.Contains(t, vars, name)
	}
	conv3 := vars["layer4.0.conv3.weight"]
	assert.Equal(t, []int64{2048, 512, 1, 1}, conv3.MustSize())
}

func TestResNetEncoderZeroInitResidual(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.NewResNetEncoder(vs.Root(), "resnet18", encoder.Options{ZeroInitResidual: true})
	require.NoError(t, err)

	vars := vs.Variables()
	bn2 := vars["layer2.1.bn2.weight"]
	for _, v := range bn2.Float64Values() {
		assert.Equal(t, 0.0, v)
	}
	nonZero := false
	bn1 := vars["layer2.1.bn1.weight"]
	for _, v := range bn1.Float64Values() {
		nonZero = nonZero || v != 0
	}
	assert.True(t, nonZero)
}

func TestNewResNetEncoderUnknown(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.NewResNetEncoder(vs.Root(), "mobilenet_v2", encoder.Options{})
	assert.ErrorIs(t, err, encoder.ErrUnknownBackbone)
}
