package base

import "github.com/sugarme/gotch/nn"

// NewPredictionHead creates the last projection of a task branch: a plain
// convolution without bias or activation.
func NewPredictionHead(p *nn.Path, cIn, cOut, ksize, padding int64) *nn.Conv2D {
	return Conv2dNoBias(p, cIn, cOut, ksize, padding, 1)
}
