package training

import (
	"errors"
	"fmt"

	"github.com/ZephyrDeng/forseti-mcp/params"
)

// Config 是监督训练的配置，未识别的键保存在 Extra 中原样交给 worker。
type Config struct {
	ModelType       string         `mapstructure:"model_type" json:"model_type"`
	Epochs          int            `mapstructure:"epochs" json:"epochs"`
	BatchSize       int            `mapstructure:"batch_size" json:"batch_size"`
	LearningRate    float64        `mapstructure:"learning_rate" json:"learning_rate"`
	Optimizer       string         `mapstructure:"optimizer" json:"optimizer"`
	Loss            string         `mapstructure:"loss" json:"loss,omitempty"`
	Device          string         `mapstructure:"device" json:"device"`
	Seed            *int64         `mapstructure:"seed" json:"seed,omitempty"`
	ValidationSplit float64        `mapstructure:"validation_split" json:"validation_split"`
	BaseModel       string         `mapstructure:"base_model" json:"base_model,omitempty"`
	OutputDir       string         `mapstructure:"output_dir" json:"output_dir,omitempty"`
	DataFormat      string         `mapstructure:"data_format" json:"data_format"`
	Extra           map[string]any `mapstructure:",remain" json:"extra,omitempty"`
}

const (
	defaultEpochs       = 1
	defaultBatchSize    = 32
	defaultLearningRate = 1e-3
	defaultOptimizer    = "adam"
	defaultDevice       = "auto"
	dataFormatAuto      = "auto"
)

var optimizers = []string{"adam", "adamw", "sgd", "rmsprop", "adagrad"}

// 每个框架可用的设备
var devices = map[string][]string{
	PyTorch:    {"auto", "cpu", "cuda", "mps"},
	TensorFlow: {"auto", "cpu", "gpu", "tpu"},
	JAX:        {"auto", "cpu", "gpu", "tpu"},
}

// DataFormats 列出 data_format 的合法取值。
var DataFormats = []string{"auto", "csv", "jsonl", "npy", "npz", "parquet", "tfrecord", "binary"}

// ParseConfig 解码并校验 framework 的训练配置，返回填充了默认值的 Config。
// 所有字段错误合并为一个错误返回。
func ParseConfig(framework string, raw map[string]any) (*Config, error) {
	allowedDevices, ok := devices[framework]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFramework, framework)
	}
	// 先填入数值默认值再解码，显式传入的 0 会覆盖默认值并在下面被拒绝
	cfg := &Config{
		Epochs:       defaultEpochs,
		BatchSize:    defaultBatchSize,
		LearningRate: defaultLearningRate,
	}
	if err := params.Decode(raw, cfg, false); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	cfg.applyDefaults()

	var errs []error
	if cfg.ModelType == "" {
		errs = append(errs, errors.New("model_type is required"))
	}
	if cfg.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("epochs must be positive (got %d)", cfg.Epochs))
	}
	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive (got %d)", cfg.BatchSize))
	}
	if cfg.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be positive (got %g)", cfg.LearningRate))
	}
	if err := params.OneOf("optimizer", cfg.Optimizer, optimizers...); err != nil {
		errs = append(errs, err)
	}
	if err := params.OneOf("device", cfg.Device, allowedDevices...); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", framework, err))
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("validation_split must be in [0, 1) (got %g)", cfg.ValidationSplit))
	}
	if err := params.OneOf("data_format", cfg.DataFormat, DataFormats...); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid training config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// applyDefaults 规范化枚举字段并为空值填入默认值。
func (c *Config) applyDefaults() {
	c.Optimizer = params.Normalize(c.Optimizer)
	if c.Optimizer == "" {
		c.Optimizer = defaultOptimizer
	}
	c.Device = params.Normalize(c.Device)
	if c.Device == "" {
		c.Device = defaultDevice
	}
	c.DataFormat = params.Normalize(c.DataFormat)
	if c.DataFormat == "" {
		c.DataFormat = dataFormatAuto
	}
}
