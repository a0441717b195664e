package imageio_test

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/chai2010/tiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch/ts"

	"github.com/sugarme/mtl/imageio"
)

func checker(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{B: 255, A: 255})
			}
		}
	}
	return img
}

func TestFit(t *testing.T) {
	img := imageio.Fit(checker(100, 50), 32)
	assert.Equal(t, image.Pt(96, 64), img.Bounds().Size())

	small := imageio.Fit(checker(5, 5), 32)
	assert.Equal(t, image.Pt(32, 32), small.Bounds().Size())

	exact := checker(64, 32)
	assert.Same(t, exact, imageio.Fit(exact, 32))
}

func TestToTensor(t *testing.T) {
	x := imageio.ToTensor(checker(4, 2))
	defer x.MustDrop()

	assert.Equal(t, []int64{1, 3, 2, 4}, x.MustSize())
	vals := x.Float64Values()
	// pixel (0,0) is red, pixel (1,0) is blue
	assert.InDelta(t, 1.0, vals[0], 1e-6)
	assert.InDelta(t, 0.0, vals[1], 1e-6)
	assert.InDelta(t, 0.0, vals[8], 1e-6)
	assert.InDelta(t, 1.0, vals[16+1], 1e-6)
}

func TestNormalize(t *testing.T) {
	x := ts.MustOfSlice([]float32{0.485, 0.456, 0.406}).MustView([]int64{1, 3, 1, 1}, true)
	defer x.MustDrop()

	n := imageio.Normalize(x)
	defer n.MustDrop()
	for _, v := range n.Float64Values() {
		assert.InDelta(t, 0.0, v, 1e-6)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	src := checker(8, 6)

	pngPath := filepath.Join(dir, "a.png")
	require.NoError(t, imageio.Save(src, pngPath))
	img, err := imageio.Load(pngPath)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 6), img.Bounds().Size())

	tifPath := filepath.Join(dir, "a.tif")
	f, err := os.Create(tifPath)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, src, nil))
	require.NoError(t, f.Close())
	img, err = imageio.Load(tifPath)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 6), img.Bounds().Size())

	_, err = imageio.Load(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestSegmentationImage(t *testing.T) {
	// 3 classes over a 1x2 image: pixel 0 -> class 2, pixel 1 -> class 0
	x := ts.MustOfSlice([]float32{
		0.1, 0.9,
		0.2, 0.0,
		0.7, 0.5,
	}).MustView([]int64{1, 3, 1, 2}, true)
	defer x.MustDrop()

	img, err := imageio.SegmentationImage(x)
	require.NoError(t, err)
	assert.Equal(t, imageio.Palette[2], img.NRGBAAt(0, 0))
	assert.Equal(t, imageio.Palette[0], img.NRGBAAt(1, 0))
}

func TestDepthImage(t *testing.T) {
	x := ts.MustOfSlice([]float32{1, 2, 3}).MustView([]int64{1, 1, 1, 3}, true)
	defer x.MustDrop()

	img, err := imageio.DepthImage(x)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(128), img.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(255), img.GrayAt(2, 0).Y)

	two := ts.MustOfSlice([]float32{1, 2}).MustView([]int64{2, 1, 1, 1}, true)
	defer two.MustDrop()
	_, err = imageio.DepthImage(two)
	assert.Error(t, err)
}
