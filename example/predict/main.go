package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/sugarme/mtl/imageio"
	"github.com/sugarme/mtl/mtl"
	"github.com/sugarme/mtl/report"
)

// flag variables
var (
	ConfigPath  string
	InputPath   string
	OutputDir   string
	WeightsPath string
	Classes     int64
	Multiple    int
	Cuda        bool
	task        string
)

func init() {
	flag.StringVar(&ConfigPath, "config", "", "specify model YAML config file. Defaults are used if empty.")
	flag.StringVar(&InputPath, "input", "./input.png", "specify input image (png, jpeg or tiff)")
	flag.StringVar(&OutputDir, "output", "./output", "specify output directory")
	flag.StringVar(&WeightsPath, "weights", "", "specify pretrained encoder weights, local '.ot' file or gs:// URL. Overrides config.")
	flag.Int64Var(&Classes, "semseg", 19, "specify number of segmentation classes")
	flag.IntVar(&Multiple, "multiple", 32, "specify the multiple input sides are resized to")
	flag.BoolVar(&Cuda, "cuda", false, "specify whether using CUDA or not.")
	flag.StringVar(&task, "task", "predict", "specify task to run: predict or vars")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := mtl.DefaultConfig()
	if ConfigPath != "" {
		var err error
		if cfg, err = mtl.LoadConfig(ConfigPath); err != nil {
			return err
		}
	}
	if WeightsPath != "" {
		cfg.Pretrained = true
		cfg.PretrainedWeights = WeightsPath
	}
	desc := mtl.OutputsDesc{
		{Name: "semseg", Channels: Classes},
		{Name: "depth", Channels: 1},
	}

	device := gotch.CPU
	if Cuda {
		device = gotch.NewCuda().CudaIfAvailable()
	}

	vs := nn.NewVarStore(device)
	model, err := mtl.Build(ctx, vs, cfg, desc)
	if err != nil {
		return err
	}

	switch task {
	case "predict":
		return predict(model, device)
	case "vars":
		printVars(vs)
		return nil
	default:
		return fmt.Errorf("unknown task %q. Please specify valid 'task' flag to run", task)
	}
}

func predict(model *mtl.Model, device gotch.Device) error {
	img, err := imageio.Load(InputPath)
	if err != nil {
		return fmt.Errorf("loading input: %w", err)
	}
	img = imageio.Fit(img, Multiple)
	klog.Infof("input %s resized to %v", InputPath, img.Bounds().Size())

	raw := imageio.ToTensor(img)
	x := imageio.Normalize(raw).MustTo(device, true)
	raw.MustDrop()

	var preds map[string]mtl.Prediction
	ts.NoGrad(func() {
		preds = model.Forward(x, false)
	})
	x.MustDrop()
	defer func() {
		for _, p := range preds {
			p.Drop()
		}
	}()

	name := trimExt(filepath.Base(InputPath))
	semseg, depth := preds["semseg"], preds["depth"]
	for stage, pair := range map[string][2]*ts.Tensor{
		"intermediate": {semseg.Intermediate, depth.Intermediate},
		"final":        {semseg.Final, depth.Final},
	} {
		seg, err := imageio.SegmentationImage(pair[0])
		if err != nil {
			return err
		}
		if err := imageio.Save(seg, filepath.Join(OutputDir, fmt.Sprintf("%s_semseg_%s.png", name, stage))); err != nil {
			return err
		}
		dep, err := imageio.DepthImage(pair[1])
		if err != nil {
			return err
		}
		if err := imageio.Save(dep, filepath.Join(OutputDir, fmt.Sprintf("%s_depth_%s.png", name, stage))); err != nil {
			return err
		}
	}

	df, err := report.Summary(preds, model.OutputsDesc())
	if err != nil {
		return err
	}
	if err := report.SaveCSV(df, filepath.Join(OutputDir, name+"_summary.csv")); err != nil {
		return err
	}
	if err := report.DepthHistogram(depth.Final, 50, filepath.Join(OutputDir, name+"_depth_hist.png")); err != nil {
		return err
	}
	klog.Infof("predictions written to %s", OutputDir)

	return nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// printVars print variables sorted by name
func printVars(vs *nn.VarStore) {
	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v := vars[n]
		fmt.Printf("%v \t\t %v\n", n, v.MustSize())
	}
}
