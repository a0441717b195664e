package deeplab

import (
	"fmt"
	"reflect"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/mtl/base"
)

// DecoderDistillation refines a task's own features, summed with attention
// features borrowed from the other task, into the final prediction at four
// times the input resolution.
type DecoderDistillation struct {
	excite  ts.ModuleT
	refine1 *nn.SequentialT
	refine2 *nn.SequentialT
	predict *nn.Conv2D
}

// NewDecoderDistillation creates DecoderDistillation. cIn must be divisible by 4.
// With squeezeExcitation the summed features are channel-gated before refinement.
func NewDecoderDistillation(p *nn.Path, cIn, numOutCh int64, squeezeExcitation bool) (*DecoderDistillation, error) {
	if cIn < 4 || cIn%4 != 0 {
		return nil, fmt.Errorf("distillation: input channels must be a positive multiple of 4, got %d", cIn)
	}
	if numOutCh <= 0 {
		return nil, fmt.Errorf("distillation: output channels must be positive, got %d", numOutCh)
	}

	var excite ts.ModuleT = base.NewIdentity()
	if squeezeExcitation {
		excite = base.NewSqueezeExcitation(p.Sub("se"), cIn)
	}

	return &DecoderDistillation{
		excite:  excite,
		refine1: base.Conv2dBnRelu(p.Sub("conv3x3_final1"), cIn, cIn/2, 3, 1, false),
		refine2: base.Conv2dBnRelu(p.Sub("conv3x3_final2"), cIn/2, cIn/4, 3, 1, false),
		predict: base.NewPredictionHead(p.Sub("conv3x3_final3"), cIn/4, numOutCh, 3, 1),
	}, nil
}

// ForwardDistill forwards own features featuresLow and attention features
// featuresSA, which must have identical shapes.
func (d *DecoderDistillation) ForwardDistill(featuresLow, featuresSA *ts.Tensor, train bool) *ts.Tensor {
	lowSize, saSize := featuresLow.MustSize(), featuresSA.MustSize()
	if !reflect.DeepEqual(lowSize, saSize) {
		panic(fmt.Sprintf("distillation: feature shapes differ: %v vs %v", lowSize, saSize))
	}

	sum := featuresLow.MustAdd(featuresSA, false)
	all := d.excite.ForwardT(sum, train)
	sum.MustDrop()

	r1 := d.refine1.ForwardT(all, train) // [N C/2 h w]
	all.MustDrop()
	up1 := upsample2x(r1) // [N C/2 2h 2w]
	r1.MustDrop()
	r2 := d.refine2.ForwardT(up1, train) // [N C/4 2h 2w]
	up1.MustDrop()
	up2 := upsample2x(r2) // [N C/4 4h 4w]
	r2.MustDrop()
	res := d.predict.ForwardT(up2, train) // [N out 4h 4w]
	up2.MustDrop()

	return res
}

func upsample2x(x *ts.Tensor) *ts.Tensor {
	size := x.MustSize()
	return base.Resize(x, []int64{size[2] * 2, size[3] * 2})
}
