// Package export 将训练好的模型转换为 GGUF、ONNX 或 SafeTensors 格式。
//
// GGUF 与 SafeTensors 之间的转换在进程内完成；需要框架运行时的转换
// （PyTorch/TensorFlow checkpoint 到 ONNX 或 SafeTensors）交给 worker 子进程。
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZephyrDeng/forseti-mcp/params"
)

var (
	// ErrUnsupportedSource 表示无法识别模型格式，或该格式不能转换为目标格式。
	ErrUnsupportedSource = errors.New("unsupported model source")
	// ErrUnsupportedTensor 表示张量的 dtype 或形状无法写入目标格式。
	ErrUnsupportedTensor = errors.New("unsupported tensor")
	// ErrInvalidModel 表示模型文件已损坏或不符合格式规范。
	ErrInvalidModel = errors.New("invalid model file")
	// ErrOutputExists 表示输出文件已存在且没有设置 overwrite。
	ErrOutputExists = errors.New("output file already exists")
)

// 导出格式
const (
	FormatGGUF        = "gguf"
	FormatONNX        = "onnx"
	FormatSafeTensors = "safetensors"
)

// Formats 列出支持的导出格式。
var Formats = []string{FormatGGUF, FormatONNX, FormatSafeTensors}

const (
	outtypeF32  = "f32"
	outtypeF16  = "f16"
	outtypeBF16 = "bf16"
	outtypeQ8_0 = "q8_0"
)

// Request 描述一次导出。
type Request struct {
	Format     string
	ModelPath  string // 本地路径、file:// 或 http(s):// URI
	OutputPath string
	Options    map[string]any
	JobID      string // 为空时自动生成

	// Progress 在每个张量写出后（或 worker 报告进度时）被调用，可为 nil
	Progress func(done, total int64)
}

// Report 描述一次成功的导出。
type Report struct {
	OutputPath     string        `json:"outputPath"`
	Format         string        `json:"format"`
	Source         string        `json:"source"` // safetensors, safetensors_shards, gguf, checkpoint
	Bytes          int64         `json:"bytes"`
	Tensors        int           `json:"tensors,omitempty"`
	Duration       time.Duration `json:"duration"`
	Throughput     string        `json:"throughput,omitempty"`
	ModelID        string        `json:"modelId,omitempty"`
	ProfileSummary string        `json:"profileSummary,omitempty"`
}

// commonOptions 是所有格式共享的选项。
type commonOptions struct {
	Overwrite bool `mapstructure:"overwrite"`
	Profile   bool `mapstructure:"profile"`
}

type ggufOptions struct {
	commonOptions `mapstructure:",squash"`
	Architecture  string            `mapstructure:"architecture"`
	Name          string            `mapstructure:"name"`
	OutType       string            `mapstructure:"outtype"`
	Metadata      map[string]string `mapstructure:"metadata"`
	Alignment     int               `mapstructure:"alignment"`
}

func (o *ggufOptions) validate() error {
	var errs []error
	o.OutType = params.Normalize(o.OutType)
	if o.OutType != "" {
		if err := params.OneOf("outtype", o.OutType, outtypeF32, outtypeF16, outtypeBF16, outtypeQ8_0); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Alignment == 0 {
		o.Alignment = ggufDefaultAlignment
	}
	if o.Alignment < 0 || o.Alignment&(o.Alignment-1) != 0 {
		errs = append(errs, fmt.Errorf("alignment must be a positive power of two (got %d)", o.Alignment))
	}
	for k := range o.Metadata {
		if reservedGGUFKey(k) {
			errs = append(errs, fmt.Errorf("metadata key '%s' is reserved", k))
		}
	}
	return errors.Join(errs...)
}

type safetensorsOptions struct {
	commonOptions `mapstructure:",squash"`
	DType         string            `mapstructure:"dtype"`
	Metadata      map[string]string `mapstructure:"metadata"`
	Dequantize    bool              `mapstructure:"dequantize"` // GGUF 源中的 Q8_0 张量解量化为 F32
	Framework     string            `mapstructure:"framework"`  // checkpoint 源交给 worker 时使用
}

func (o *safetensorsOptions) validate() error {
	var errs []error
	o.DType = strings.ToUpper(strings.TrimSpace(o.DType))
	if o.DType != "" {
		if err := params.OneOf("dtype", o.DType, dtF32, dtF16, dtBF16); err != nil {
			errs = append(errs, err)
		}
	}
	o.Framework = params.Normalize(o.Framework)
	if o.Framework != "" {
		if err := params.OneOf("framework", o.Framework, frameworks...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type onnxOptions struct {
	commonOptions `mapstructure:",squash"`
	Framework     string         `mapstructure:"framework"`
	Opset         int            `mapstructure:"opset"`
	InputShape    []int          `mapstructure:"input_shape"`
	DynamicBatch  *bool          `mapstructure:"dynamic_batch"`
	Extra         map[string]any `mapstructure:",remain"`
}

const (
	defaultOpset = 17
	minOpset     = 7
	maxOpset     = 21
)

var frameworks = []string{"pytorch", "tensorflow", "jax"}

func (o *onnxOptions) validate() error {
	var errs []error
	o.Framework = params.Normalize(o.Framework)
	if o.Framework != "" {
		if err := params.OneOf("framework", o.Framework, frameworks...); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Opset == 0 {
		o.Opset = defaultOpset
	}
	if o.Opset < minOpset || o.Opset > maxOpset {
		errs = append(errs, fmt.Errorf("opset must be between %d and %d (got %d)", minOpset, maxOpset, o.Opset))
	}
	for i, d := range o.InputShape {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("input_shape[%d] must be positive (got %d)", i, d))
		}
	}
	if o.DynamicBatch == nil {
		t := true
		o.DynamicBatch = &t
	}
	return errors.Join(errs...)
}
