package mtl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sugarme/mtl/deeplab"
	"github.com/sugarme/mtl/encoder"
)

// Config holds the model construction options.
type Config struct {
	EncoderName                   string  `yaml:"model_encoder_name"`
	Pretrained                    bool    `yaml:"pretrained"`
	PretrainedWeights             string  `yaml:"pretrained_weights"`
	WeightsCacheDir               string  `yaml:"weights_cache_dir"`
	ZeroInitResidual              bool    `yaml:"zero_init_residual"`
	ReplaceStrideWithDilation     []bool  `yaml:"replace_stride_with_dilation"`
	ASPPChannels                  int64   `yaml:"aspp_channels"`
	ASPPRates                     []int64 `yaml:"aspp_rates"`
	DistillationSqueezeExcitation bool    `yaml:"distillation_squeeze_excitation"`
}

// DefaultConfig returns a resnet34 configuration with a dilated last stage.
func DefaultConfig() Config {
	return Config{
		EncoderName:               "resnet34",
		ZeroInitResidual:          true,
		ReplaceStrideWithDilation: []bool{false, false, true},
		ASPPChannels:              256,
		ASPPRates:                 append([]int64(nil), deeplab.DefaultRates[:]...),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %q: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration describes a buildable model.
func (c Config) Validate() error {
	if _, _, err := encoder.ChannelCounts(c.EncoderName); err != nil {
		return err
	}
	if len(c.ReplaceStrideWithDilation) != 3 {
		return fmt.Errorf("replace_stride_with_dilation needs 3 flags, got %d", len(c.ReplaceStrideWithDilation))
	}
	// a dilated layer2 lands layer2..4 on scale 4, so the skip features
	// would no longer have the channel count the decoder is built for
	if c.ReplaceStrideWithDilation[0] {
		return fmt.Errorf("replace_stride_with_dilation: layer2 must keep its stride")
	}
	if len(c.ASPPRates) != 3 {
		return fmt.Errorf("aspp_rates needs 3 rates, got %d", len(c.ASPPRates))
	}
	// distillation halves the width twice
	if c.ASPPChannels < 4 || c.ASPPChannels%4 != 0 {
		return fmt.Errorf("aspp_channels must be a positive multiple of 4, got %d", c.ASPPChannels)
	}
	if c.Pretrained && c.PretrainedWeights == "" {
		return fmt.Errorf("pretrained is set but pretrained_weights is empty")
	}
	return nil
}

func (c Config) encoderOptions() encoder.Options {
	var dilation [3]bool
	copy(dilation[:], c.ReplaceStrideWithDilation)
	return encoder.Options{
		ZeroInitResidual:          c.ZeroInitResidual,
		ReplaceStrideWithDilation: dilation,
	}
}

func (c Config) asppRates() [3]int64 {
	var rates [3]int64
	copy(rates[:], c.ASPPRates)
	return rates
}
