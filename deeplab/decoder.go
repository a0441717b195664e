package deeplab

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/mtl/base"
)

// SkipChannels is the width the scale-4 skip features are reduced to.
const SkipChannels int64 = 48

// DecoderDeeplabV3p fuses bottleneck context with scale-4 skip features and
// produces a coarse task prediction.
// Ref: https://arxiv.org/abs/1802.02611
type DecoderDeeplabV3p struct {
	skip    *nn.SequentialT
	fuse    *nn.SequentialT
	predict *nn.Conv2D
}

// NewDecoderDeeplabV3p creates DecoderDeeplabV3p.
func NewDecoderDeeplabV3p(p *nn.Path, bottleneckCh, skip4xCh, numOutCh int64) (*DecoderDeeplabV3p, error) {
	if bottleneckCh <= 0 || skip4xCh <= 0 || numOutCh <= 0 {
		return nil, fmt.Errorf("decoder: channels must be positive, got bottleneck=%d skip=%d out=%d", bottleneckCh, skip4xCh, numOutCh)
	}

	return &DecoderDeeplabV3p{
		skip:    base.Conv2dBnRelu(p.Sub("conv1x1_skip"), skip4xCh, SkipChannels, 1, 1, true),
		fuse:    base.Conv2dBnRelu(p.Sub("conv3x3_final"), bottleneckCh+SkipChannels, bottleneckCh, 3, 1, false),
		predict: base.NewPredictionHead(p.Sub("features_to_predictions"), bottleneckCh, numOutCh, 3, 0),
	}, nil
}

// ForwardSkip returns predictions and the fused features they were projected
// from. Features have the skip spatial size (h, w); predictions are unpadded
// and come out at (h-2, w-2), callers resize them.
func (d *DecoderDeeplabV3p) ForwardSkip(bottleneck, skip *ts.Tensor, train bool) (predictions, features *ts.Tensor) {
	skipSize := skip.MustSize()

	bottleneck4x := base.Resize(bottleneck, skipSize[2:]) // [N bottleneckCh h w]
	skipReduced := d.skip.ForwardT(skip, train)           // [N 48 h w]
	cat := ts.MustCat([]*ts.Tensor{bottleneck4x, skipReduced}, 1)
	bottleneck4x.MustDrop()
	skipReduced.MustDrop()

	features = d.fuse.ForwardT(cat, train) // [N bottleneckCh h w]
	cat.MustDrop()
	predictions = d.predict.ForwardT(features, train) // [N numOutCh h-2 w-2]

	return predictions, features
}
