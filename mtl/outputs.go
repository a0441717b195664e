package mtl

import (
	"errors"
	"fmt"

	"github.com/sugarme/gotch/ts"
)

// ErrOutputsDesc is returned for a task layout the model cannot produce.
var ErrOutputsDesc = errors.New("invalid outputs description")

// TaskOutput names a task and its number of output channels.
type TaskOutput struct {
	Name     string `yaml:"name"`
	Channels int64  `yaml:"channels"`
}

// OutputsDesc is the ordered task layout of the prediction tensors. Each task
// owns a contiguous channel range, in order.
type OutputsDesc []TaskOutput

// Total returns the sum of all task channels.
func (d OutputsDesc) Total() int64 {
	var total int64
	for _, t := range d {
		total += t.Channels
	}
	return total
}

// Names returns task names in order.
func (d OutputsDesc) Names() []string {
	names := make([]string, len(d))
	for i, t := range d {
		names[i] = t.Name
	}
	return names
}

// Validate checks d against the fixed two-branch split: the first task is
// predicted by the segmentation branch with Total()-1 channels and the second
// by the single-channel depth branch.
func (d OutputsDesc) Validate() error {
	if len(d) != 2 {
		return fmt.Errorf("%w: need exactly 2 tasks, got %d", ErrOutputsDesc, len(d))
	}
	seen := make(map[string]bool, len(d))
	for _, t := range d {
		if t.Name == "" {
			return fmt.Errorf("%w: empty task name", ErrOutputsDesc)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate task %q", ErrOutputsDesc, t.Name)
		}
		seen[t.Name] = true
		if t.Channels <= 0 {
			return fmt.Errorf("%w: task %q has %d channels", ErrOutputsDesc, t.Name, t.Channels)
		}
	}
	if d[1].Channels != 1 {
		return fmt.Errorf("%w: channel total %d does not split into %d+1", ErrOutputsDesc, d.Total(), d.Total()-1)
	}
	return nil
}

// Prediction pairs the coarse and the refined output of one task, both at
// input resolution.
type Prediction struct {
	Intermediate *ts.Tensor
	Final        *ts.Tensor
}

// Drop releases both tensors.
func (p Prediction) Drop() {
	p.Intermediate.MustDrop()
	p.Final.MustDrop()
}

// SplitChannels slices x along dim 1 into one view per task of d. It panics
// if x does not have exactly d.Total() channels.
func SplitChannels(x *ts.Tensor, d OutputsDesc) []*ts.Tensor {
	size := x.MustSize()
	if len(size) < 2 || size[1] != d.Total() {
		panic(fmt.Sprintf("mtl: cannot split shape %v into %d channels", size, d.Total()))
	}

	parts := make([]*ts.Tensor, len(d))
	var offset int64
	for i, t := range d {
		parts[i] = x.MustNarrow(1, offset, t.Channels, false)
		offset += t.Channels
	}
	return parts
}
