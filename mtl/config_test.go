package mtl_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/mtl/mtl"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := mtl.DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "resnet34", cfg.EncoderName)
	assert.Equal(t, []bool{false, false, true}, cfg.ReplaceStrideWithDilation)
	assert.Equal(t, []int64{3, 6, 9}, cfg.ASPPRates)
	assert.Equal(t, int64(256), cfg.ASPPChannels)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
model_encoder_name: resnet101
replace_stride_with_dilation: [false, true, true]
aspp_rates: [6, 12, 18]
`)
	cfg, err := mtl.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "resnet101", cfg.EncoderName)
	assert.Equal(t, []bool{false, true, true}, cfg.ReplaceStrideWithDilation)
	assert.Equal(t, []int64{6, 12, 18}, cfg.ASPPRates)
	// untouched fields keep their defaults
	assert.Equal(t, int64(256), cfg.ASPPChannels)
	assert.True(t, cfg.ZeroInitResidual)
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := mtl.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, mtl.DefaultConfig(), cfg)
}

func TestLoadConfigInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"unknown field":   "model_encoder: resnet34\n",
		"unknown encoder": "model_encoder_name: densenet121\n",
		"short dilation":  "replace_stride_with_dilation: [true]\n",
		"dilated layer2":  "replace_stride_with_dilation: [true, false, true]\n",
		"short rates":     "aspp_rates: [3, 6]\n",
		"odd width":       "aspp_channels: 30\n",
		"no weights":      "pretrained: true\n",
	} {
		_, err := mtl.LoadConfig(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := mtl.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
