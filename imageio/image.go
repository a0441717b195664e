package imageio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/image/draw"
)

// Load reads an image file. TIFF files go through a dedicated decoder,
// other formats through imaging.
func Load(filename string) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tiff", ".tif":
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return tiff.Decode(f)
	default:
		return imaging.Open(filename)
	}
}

// Fit resizes img so that both sides are the nearest non-zero multiple of
// multiple. The encoder needs input sides divisible by its deepest scale.
func Fit(img image.Image, multiple int) image.Image {
	size := img.Bounds().Size()
	w, h := roundTo(size.X, multiple), roundTo(size.Y, multiple)
	if w == size.X && h == size.Y {
		return img
	}
	return resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
}

func roundTo(v, multiple int) int {
	r := (v + multiple/2) / multiple * multiple
	if r < multiple {
		r = multiple
	}
	return r
}

// ToTensor converts img to a float tensor of shape [1 3 H W] with values in [0, 1].
func ToTensor(img image.Image) *ts.Tensor {
	bounds := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	h, w := bounds.Dy(), bounds.Dx()
	plane := h * w
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := rgba.NRGBAAt(x, y)
			i := y*w + x
			data[i] = float32(c.R) / 255
			data[plane+i] = float32(c.G) / 255
			data[2*plane+i] = float32(c.B) / 255
		}
	}

	return ts.MustOfSlice(data).MustView([]int64{1, 3, int64(h), int64(w)}, true)
}

// Normalize standardises an RGB batch with ImageNet statistics.
func Normalize(x *ts.Tensor) *ts.Tensor {
	meanVals := []float32{0.485, 0.456, 0.406} // image RGB mean
	sdVals := []float32{0.229, 0.224, 0.225}   // image RGB standard error

	mean := ts.MustOfSlice(meanVals).MustView([]int64{1, 3, 1, 1}, true)
	sd := ts.MustOfSlice(sdVals).MustView([]int64{1, 3, 1, 1}, true)

	// x = (x - mean)/sd
	n := x.MustSub(mean, false).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}

// Save writes img, picking the format from the file extension.
func Save(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	if err := imaging.Save(img, filename); err != nil {
		return fmt.Errorf("saving %q: %w", filename, err)
	}
	return nil
}
