package mtl

import (
	"context"
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/mtl/base"
	"github.com/sugarme/mtl/deeplab"
	"github.com/sugarme/mtl/encoder"
	"github.com/sugarme/mtl/weights"
)

// Model is a DeepLabV3+ network with a semantic segmentation and a depth
// branch over a shared encoder. Before its final layers each branch receives
// self-attention features computed from the other branch.
type Model struct {
	outputsDesc OutputsDesc

	encoder encoder.Encoder

	asppSemseg    *deeplab.ASPP
	decoderSemseg *deeplab.DecoderDeeplabV3p
	asppDepth     *deeplab.ASPP
	decoderDepth  *deeplab.DecoderDeeplabV3p

	saFromDepth2Semseg *base.SelfAttention
	saFromSemseg2Depth *base.SelfAttention

	distillSemseg *deeplab.DecoderDistillation
	distillDepth  *deeplab.DecoderDistillation
}

// New creates a Model under p. Encoder parameters sit at the root of p, as
// in the pretrained ResNet files, the task heads under named sub paths.
func New(p *nn.Path, cfg Config, outputsDesc OutputsDesc) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := outputsDesc.Validate(); err != nil {
		return nil, err
	}
	klog.Infof("outputs_desc %v", outputsDesc)

	chOut := outputsDesc.Total()
	bottleneckCh, skip4xCh, err := encoder.ChannelCounts(cfg.EncoderName)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("encoder %s: bottleneck channels %d, 4x channels %d", cfg.EncoderName, bottleneckCh, skip4xCh)

	enc, err := encoder.NewResNetEncoder(p, cfg.EncoderName, cfg.encoderOptions())
	if err != nil {
		return nil, err
	}

	m := &Model{outputsDesc: outputsDesc, encoder: enc}
	width := cfg.ASPPChannels
	rates := cfg.asppRates()

	if m.asppSemseg, err = deeplab.NewASPP(p.Sub("aspp_semseg"), bottleneckCh, width, rates); err != nil {
		return nil, err
	}
	if m.decoderSemseg, err = deeplab.NewDecoderDeeplabV3p(p.Sub("decoder_semseg"), width, skip4xCh, chOut-1); err != nil {
		return nil, err
	}
	if m.asppDepth, err = deeplab.NewASPP(p.Sub("aspp_depth"), bottleneckCh, width, rates); err != nil {
		return nil, err
	}
	if m.decoderDepth, err = deeplab.NewDecoderDeeplabV3p(p.Sub("decoder_depth"), width, skip4xCh, 1); err != nil {
		return nil, err
	}

	m.saFromDepth2Semseg = base.NewSelfAttention(p.Sub("sa_from_depth2semseg"), width, width)
	m.saFromSemseg2Depth = base.NewSelfAttention(p.Sub("sa_from_semseg2depth"), width, width)

	se := cfg.DistillationSqueezeExcitation
	if m.distillSemseg, err = deeplab.NewDecoderDistillation(p.Sub("decoder_semseg2"), width, chOut-1, se); err != nil {
		return nil, err
	}
	if m.distillDepth, err = deeplab.NewDecoderDistillation(p.Sub("decoder_depth2"), width, 1, se); err != nil {
		return nil, err
	}

	return m, nil
}

// Build creates a Model on vs and, when cfg.Pretrained is set, loads the
// pretrained encoder weights into it.
func Build(ctx context.Context, vs *nn.VarStore, cfg Config, outputsDesc OutputsDesc) (*Model, error) {
	m, err := New(vs.Root(), cfg, outputsDesc)
	if err != nil {
		return nil, err
	}
	if cfg.Pretrained {
		if err := LoadPretrained(ctx, vs, cfg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LoadPretrained fetches cfg.PretrainedWeights and loads every matching
// variable into vs. Variables absent from the file keep their initial values.
func LoadPretrained(ctx context.Context, vs *nn.VarStore, cfg Config) error {
	log := klog.FromContext(ctx)

	path, err := weights.Fetch(ctx, cfg.PretrainedWeights, cfg.WeightsCacheDir)
	if err != nil {
		return err
	}
	missing, err := vs.LoadPartial(path)
	if err != nil {
		return fmt.Errorf("loading weights %q: %w", path, err)
	}
	log.Info("loaded pretrained weights", "path", path, "missing", len(missing))
	for _, name := range missing {
		log.V(4).Info("variable not in weights file", "name", name)
	}

	return nil
}

// OutputsDesc returns the task layout of the model predictions.
func (m *Model) OutputsDesc() OutputsDesc {
	return m.outputsDesc
}

// Forward runs x, a [N 3 H W] image batch, through the network and returns
// the prediction pair of each task at [N C_task H W].
func (m *Model) Forward(x *ts.Tensor, train bool) map[string]Prediction {
	size := x.MustSize()
	if len(size) != 4 || size[1] != 3 {
		panic(fmt.Sprintf("mtl: expected input of shape [N 3 H W], got %v", size))
	}
	inputResolution := size[2:]

	// Encoder
	features := m.encoder.ForwardAll(x, train)
	_, featuresLowest := features.Bottleneck()
	features4x := features.At(4)

	// Semseg
	asppSemseg := m.asppSemseg.ForwardT(featuresLowest, train)
	intermediateSemseg, featuresSemseg := m.decoderSemseg.ForwardSkip(asppSemseg, features4x, train)
	asppSemseg.MustDrop()

	// Depth
	asppDepth := m.asppDepth.ForwardT(featuresLowest, train)
	intermediateDepth, featuresDepth := m.decoderDepth.ForwardSkip(asppDepth, features4x, train)
	asppDepth.MustDrop()
	features.Drop()

	intermediate := catResized(inputResolution, intermediateSemseg, intermediateDepth)

	attentionFromSemseg2Depth := m.saFromSemseg2Depth.ForwardT(featuresSemseg, train)
	attentionFromDepth2Semseg := m.saFromDepth2Semseg.ForwardT(featuresDepth, train)

	finalSemseg := m.distillSemseg.ForwardDistill(featuresSemseg, attentionFromDepth2Semseg, train)
	finalDepth := m.distillDepth.ForwardDistill(featuresDepth, attentionFromSemseg2Depth, train)
	for _, t := range []*ts.Tensor{featuresSemseg, featuresDepth, attentionFromSemseg2Depth, attentionFromDepth2Semseg} {
		t.MustDrop()
	}

	final := catResized(inputResolution, finalSemseg, finalDepth)

	intermediates := SplitChannels(intermediate, m.outputsDesc)
	finals := SplitChannels(final, m.outputsDesc)
	intermediate.MustDrop()
	final.MustDrop()

	out := make(map[string]Prediction, len(m.outputsDesc))
	for i, task := range m.outputsDesc {
		out[task.Name] = Prediction{Intermediate: intermediates[i], Final: finals[i]}
	}
	return out
}

// catResized resizes each tensor to size, concatenates them along channels
// and drops the inputs.
func catResized(size []int64, xs ...*ts.Tensor) *ts.Tensor {
	resized := make([]*ts.Tensor, len(xs))
	for i, x := range xs {
		resized[i] = base.Resize(x, size)
		x.MustDrop()
	}
	cat := ts.MustCat(resized, 1)
	for _, r := range resized {
		r.MustDrop()
	}
	return cat
}
