// Package training 将监督训练任务分派给 PyTorch、TensorFlow 或 JAX 的 worker 进程，
// 并把训练产物登记到模型注册表。
package training

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ZephyrDeng/forseti-mcp/hostinfo"
	"github.com/ZephyrDeng/forseti-mcp/registry"
	"github.com/ZephyrDeng/forseti-mcp/worker"
)

var (
	// ErrUnsupportedFramework 表示框架名称不是 pytorch、tensorflow 或 jax。
	ErrUnsupportedFramework = errors.New("unsupported framework")
	// ErrNoTrainingData 表示没有提供训练数据。
	ErrNoTrainingData = errors.New("training data is empty")
)

// 支持的框架
const (
	PyTorch    = "pytorch"
	TensorFlow = "tensorflow"
	JAX        = "jax"
)

// Frameworks 列出支持的框架。
var Frameworks = []string{PyTorch, TensorFlow, JAX}

// StatusCompleted 是成功训练的结果状态。
const StatusCompleted = "completed"

// Result 是一次训练的结果。
type Result struct {
	ModelID         string             `json:"model_id"`
	Framework       string             `json:"framework"`
	Status          string             `json:"status"`
	ArtifactPath    string             `json:"artifact_path"`
	Metrics         map[string]float64 `json:"metrics"`
	Epochs          int                `json:"epochs"`
	DurationSeconds float64            `json:"duration_seconds"`
	Metadata        map[string]any     `json:"metadata"`
}

// Request 描述一次训练。
type Request struct {
	Framework string
	Config    map[string]any
	Data      []byte
	JobID     string // 为空时自动生成

	// OnEvent 接收 worker 的 progress 与 log 事件，可为 nil
	OnEvent func(worker.Event)
}

// Trainer 持有每个框架的 worker。
type Trainer struct {
	Runners   map[string]*worker.Runner // 以框架名称为键
	Registry  *registry.Registry        // 可为 nil
	OutputDir string                    // 训练产物的默认目录，每个模型一个子目录
	Host      hostinfo.Info
}

// TrainPyTorchModel 使用 PyTorch worker 训练模型。
func (t *Trainer) TrainPyTorchModel(ctx context.Context, config map[string]any, trainingData []byte) (*Result, error) {
	return t.Train(ctx, Request{Framework: PyTorch, Config: config, Data: trainingData})
}

// TrainTensorFlowModel 使用 TensorFlow worker 训练模型。
func (t *Trainer) TrainTensorFlowModel(ctx context.Context, config map[string]any, trainingData []byte) (*Result, error) {
	return t.Train(ctx, Request{Framework: TensorFlow, Config: config, Data: trainingData})
}

// TrainJAXModel 使用 JAX worker 训练模型。
func (t *Trainer) TrainJAXModel(ctx context.Context, config map[string]any, trainingData []byte) (*Result, error) {
	return t.Train(ctx, Request{Framework: JAX, Config: config, Data: trainingData})
}

// FineTune 从 baseModel 继续训练。baseModel 可以是注册表中的模型 ID 或 checkpoint 路径。
func (t *Trainer) FineTune(ctx context.Context, req Request, baseModel string) (*Result, error) {
	if baseModel == "" {
		return nil, errors.New("base_model is required for fine-tuning")
	}
	config := make(map[string]any, len(req.Config)+1)
	for k, v := range req.Config {
		config[k] = v
	}
	config["base_model"] = baseModel
	req.Config = config
	return t.Train(ctx, req)
}

// Train 校验配置与数据，运行框架 worker，并登记产物。
func (t *Trainer) Train(ctx context.Context, req Request) (*Result, error) {
	cfg, err := ParseConfig(req.Framework, req.Config)
	if err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, ErrNoTrainingData
	}
	runner := t.Runners[req.Framework]
	if runner == nil {
		return nil, fmt.Errorf("%w: no %s worker configured", worker.ErrWorkerNotFound, req.Framework)
	}

	dataFormat := cfg.DataFormat
	if dataFormat == dataFormatAuto {
		dataFormat = DetectDataFormat(req.Data)
		cfg.DataFormat = dataFormat
	}

	var sourceID string
	if cfg.BaseModel != "" && t.Registry != nil {
		if entry, err := t.Registry.Get(cfg.BaseModel); err == nil {
			sourceID = entry.ID
			cfg.BaseModel = entry.Path
		}
	}

	modelID := uuid.NewString()
	jobID := req.JobID
	if jobID == "" {
		jobID = modelID
	}
	outputRoot := cfg.OutputDir
	if outputRoot == "" {
		outputRoot = t.OutputDir
	}
	if outputRoot == "" {
		outputRoot = "models"
	}
	outputDir, err := filepath.Abs(filepath.Join(outputRoot, modelID))
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}

	log.Printf("Training %s model '%s' (epochs: %d, data: %d bytes %s, job: %s)", req.Framework, cfg.ModelType, cfg.Epochs, len(req.Data), dataFormat, jobID)
	outcome, err := runner.Run(ctx, worker.Task{
		Kind:        "train",
		JobID:       jobID,
		Framework:   req.Framework,
		OutputPath:  outputDir,
		Config:      cfg,
		Data:        req.Data,
		ArtifactDir: outputDir,
	}, req.OnEvent)
	if err != nil {
		return nil, err
	}

	artifact := outcome.ArtifactPath
	if artifact == "" {
		return nil, fmt.Errorf("%w: %s worker reported no artifact", worker.ErrWorkerFailed, req.Framework)
	}

	metadata := map[string]any{
		"model_type":  cfg.ModelType,
		"data_format": dataFormat,
		"data_bytes":  len(req.Data),
		"job_id":      jobID,
	}
	for k, v := range outcome.Metadata {
		metadata["worker."+k] = v
	}
	for k, v := range t.Host.Metadata() {
		metadata[k] = v
	}
	if cfg.BaseModel != "" {
		metadata["base_model"] = cfg.BaseModel
	}

	result := &Result{
		ModelID:         modelID,
		Framework:       req.Framework,
		Status:          StatusCompleted,
		ArtifactPath:    artifact,
		Metrics:         outcome.Metrics,
		Epochs:          cfg.Epochs,
		DurationSeconds: outcome.Duration.Seconds(),
		Metadata:        metadata,
	}

	if t.Registry != nil {
		entryMeta := map[string]string{
			"model_type":  cfg.ModelType,
			"epochs":      strconv.Itoa(cfg.Epochs),
			"data_format": dataFormat,
		}
		if cfg.BaseModel != "" {
			entryMeta["base_model"] = cfg.BaseModel
		}
		if _, err := t.Registry.Register(registry.Entry{
			ID:        modelID,
			Kind:      registry.KindModel,
			Name:      cfg.ModelType,
			Framework: req.Framework,
			Format:    artifactFormat(artifact),
			Path:      artifact,
			SourceID:  sourceID,
			JobID:     jobID,
			Metrics:   outcome.Metrics,
			Metadata:  entryMeta,
		}); err != nil {
			log.Printf("Warning: failed to register model %s: %v", modelID, err)
		}
	}
	log.Printf("Trained %s model %s in %s: %v", req.Framework, modelID, outcome.Duration.Round(time.Millisecond), outcome.Metrics)
	return result, nil
}

// artifactFormat 由扩展名推断产物格式，目录（例如 SavedModel）返回 "directory"。
func artifactFormat(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "directory"
	}
	return ext[1:]
}
