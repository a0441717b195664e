package report

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/mtl/mtl"
)

// Summary tabulates min, max and mean of every task prediction, one row per
// task and stage, in outputs order.
func Summary(preds map[string]mtl.Prediction, desc mtl.OutputsDesc) (dataframe.DataFrame, error) {
	var (
		tasks, stages     []string
		channels          []int
		mins, maxs, means []float64
	)

	for _, task := range desc {
		p, ok := preds[task.Name]
		if !ok {
			return dataframe.DataFrame{}, fmt.Errorf("no prediction for task %q", task.Name)
		}
		for _, stage := range []struct {
			name string
			x    *ts.Tensor
		}{
			{"intermediate", p.Intermediate},
			{"final", p.Final},
		} {
			lo, hi, mean := stats(stage.x)
			tasks = append(tasks, task.Name)
			stages = append(stages, stage.name)
			channels = append(channels, int(stage.x.MustSize()[1]))
			mins = append(mins, lo)
			maxs = append(maxs, hi)
			means = append(means, mean)
		}
	}

	df := dataframe.New(
		series.New(tasks, series.String, "task"),
		series.New(stages, series.String, "stage"),
		series.New(channels, series.Int, "channels"),
		series.New(mins, series.Float, "min"),
		series.New(maxs, series.Float, "max"),
		series.New(means, series.Float, "mean"),
	)
	return df, df.Err
}

// WriteCSV writes df with a header row.
func WriteCSV(df dataframe.DataFrame, w io.Writer) error {
	return df.WriteCSV(w)
}

// DepthHistogram plots the distribution of predicted depth values to a PNG file.
func DepthHistogram(depth *ts.Tensor, bins int, filename string) error {
	vals := values(depth)

	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Predicted depth"
	p.X.Label.Text = "depth"
	p.Y.Label.Text = "pixels"

	v := make(plotter.Values, len(vals))
	copy(v, vals)
	h, err := plotter.NewHist(v, bins)
	if err != nil {
		return err
	}
	p.Add(h)

	return p.Save(6*vg.Inch, 4*vg.Inch, filename)
}

// SaveCSV writes df to filename.
func SaveCSV(df dataframe.DataFrame, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteCSV(df, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func values(x *ts.Tensor) []float64 {
	dense := x.MustDetach(false).MustContiguous(true)
	vals := dense.Float64Values()
	dense.MustDrop()
	return vals
}

func stats(x *ts.Tensor) (lo, hi, mean float64) {
	vals := values(x)
	lo, hi = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	if len(vals) > 0 {
		mean = sum / float64(len(vals))
	}
	return lo, hi, mean
}
