package mtl_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/mtl/mtl"
)

var cityscapes = mtl.OutputsDesc{
	{Name: "semseg", Channels: 19},
	{Name: "depth", Channels: 1},
}

func TestModelForward(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	model, err := mtl.New(vs.Root(), mtl.DefaultConfig(), cityscapes)
	require.NoError(t, err)

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{2, 3, 128, 256}, gotch.Float, gotch.CPU)
		out := model.Forward(x, false)
		x.MustDrop()

		require.Len(t, out, 2)
		require.Contains(t, out, "semseg")
		require.Contains(t, out, "depth")

		semseg, depth := out["semseg"], out["depth"]
		assert.Equal(t, []int64{2, 19, 128, 256}, semseg.Intermediate.MustSize())
		assert.Equal(t, []int64{2, 19, 128, 256}, semseg.Final.MustSize())
		assert.Equal(t, []int64{2, 1, 128, 256}, depth.Intermediate.MustSize())
		assert.Equal(t, []int64{2, 1, 128, 256}, depth.Final.MustSize())

		for _, p := range out {
			p.Drop()
		}
	})
}

func TestModelForwardBottleneckBackbone(t *testing.T) {
	cfg := mtl.DefaultConfig()
	cfg.EncoderName = "resnet50"
	cfg.ASPPChannels = 32
	cfg.DistillationSqueezeExcitation = true
	desc := mtl.OutputsDesc{{Name: "seg", Channels: 4}, {Name: "depth", Channels: 1}}

	vs := nn.NewVarStore(gotch.CPU)
	model, err := mtl.New(vs.Root(), cfg, desc)
	require.NoError(t, err)
	assert.Equal(t, desc, model.OutputsDesc())

	ts.NoGrad(func() {
		x := ts.MustRand([]int64{1, 3, 64, 96}, gotch.Float, gotch.CPU)
		out := model.Forward(x, false)
		x.MustDrop()

		assert.Equal(t, []int64{1, 4, 64, 96}, out["seg"].Final.MustSize())
		assert.Equal(t, []int64{1, 1, 64, 96}, out["depth"].Intermediate.MustSize())
		for _, p := range out {
			p.Drop()
		}
	})
}

func TestModelForwardRejectsNonRGB(t *testing.T) {
	cfg := mtl.DefaultConfig()
	cfg.EncoderName = "resnet18"
	cfg.ASPPChannels = 16

	vs := nn.NewVarStore(gotch.CPU)
	model, err := mtl.New(vs.Root(), cfg, cityscapes)
	require.NoError(t, err)

	x := ts.MustRand([]int64{1, 1, 64, 64}, gotch.Float, gotch.CPU)
	defer x.MustDrop()
	assert.Panics(t, func() { model.Forward(x, false) })

	y := ts.MustRand([]int64{3, 64, 64}, gotch.Float, gotch.CPU)
	defer y.MustDrop()
	assert.Panics(t, func() { model.Forward(y, false) })
}

func TestNewRejectsMalformedOutputsDesc(t *testing.T) {
	for _, desc := range []mtl.OutputsDesc{
		nil,
		{{Name: "semseg", Channels: 19}},
		{{Name: "semseg", Channels: 19}, {Name: "depth", Channels: 2}},
		{{Name: "semseg", Channels: 19}, {Name: "depth", Channels: 1}, {Name: "normals", Channels: 3}},
		{{Name: "semseg", Channels: 0}, {Name: "depth", Channels: 1}},
	} {
		vs := nn.NewVarStore(gotch.CPU)
		_, err := mtl.New(vs.Root(), mtl.DefaultConfig(), desc)
		assert.ErrorIs(t, err, mtl.ErrOutputsDesc, "%v", desc)
	}
}

func TestNewRejectsUnknownBackbone(t *testing.T) {
	cfg := mtl.DefaultConfig()
	cfg.EncoderName = "vgg16"

	vs := nn.NewVarStore(gotch.CPU)
	_, err := mtl.New(vs.Root(), cfg, cityscapes)
	assert.Error(t, err)
}

func TestNewRejectsDilatedLayer2(t *testing.T) {
	cfg := mtl.DefaultConfig()
	cfg.ReplaceStrideWithDilation = []bool{true, false, false}

	vs := nn.NewVarStore(gotch.CPU)
	_, err := mtl.New(vs.Root(), cfg, cityscapes)
	assert.Error(t, err)
	assert.Empty(t, vs.Variables())
}

func TestModelStartsWithHalfGates(t *testing.T) {
	cfg := mtl.DefaultConfig()
	cfg.EncoderName = "resnet18"

	vs := nn.NewVarStore(gotch.CPU)
	_, err := mtl.New(vs.Root(), cfg, cityscapes)
	require.NoError(t, err)

	vars := vs.Variables()
	for _, name := range []string{"sa_from_depth2semseg.attention.weight", "sa_from_semseg2depth.attention.weight"} {
		require.Contains(t, vars, name)
		w := vars[name]
		for _, v := range w.Float64Values() {
			require.Equal(t, 0.0, v, name)
		}
	}
}

func TestBuildLoadsPretrained(t *testing.T) {
	cfg := mtl.DefaultConfig()
	cfg.EncoderName = "resnet18"
	cfg.ASPPChannels = 16

	src := nn.NewVarStore(gotch.CPU)
	_, err := mtl.New(src.Root(), cfg, cityscapes)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "resnet18.ot")
	require.NoError(t, src.Save(path))

	cfg.Pretrained = true
	cfg.PretrainedWeights = path
	dst := nn.NewVarStore(gotch.CPU)
	_, err = mtl.Build(context.Background(), dst, cfg, cityscapes)
	require.NoError(t, err)

	want, got := src.Variables()["layer1.0.conv1.weight"], dst.Variables()["layer1.0.conv1.weight"]
	assert.Equal(t, want.Float64Values(), got.Float64Values())
}

func TestBuildMissingWeights(t *testing.T) {
	cfg := mtl.DefaultConfig()
	cfg.EncoderName = "resnet18"
	cfg.Pretrained = true
	cfg.PretrainedWeights = filepath.Join(t.TempDir(), "absent.ot")

	_, err := mtl.Build(context.Background(), nn.NewVarStore(gotch.CPU), cfg, cityscapes)
	assert.Error(t, err)
}
