// Package inference 在已登记的模型上运行推理。推理由模型对应框架的 worker 完成，
// worker 在 result 事件的 metadata.output 中返回输出。
package inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/ZephyrDeng/forseti-mcp/registry"
	"github.com/ZephyrDeng/forseti-mcp/worker"
)

var (
	// ErrModelUnavailable 表示模型已登记但产物不存在。
	ErrModelUnavailable = errors.New("model artifact is not available")
	// ErrUnsupportedModel 表示没有可以加载该模型的 worker。
	ErrUnsupportedModel = errors.New("model cannot be served")
)

const formatONNX = "onnx"

// Request 描述一次推理。
type Request struct {
	ModelID string
	Input   any            // 原样写入 request.json
	Options map[string]any // 可为 nil
	JobID   string         // 为空时自动生成

	OnEvent func(worker.Event)
}

// Result 是一次推理的结果。
type Result struct {
	ModelID         string             `json:"model_id"`
	Framework       string             `json:"framework"`
	Output          any                `json:"output"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
}

// Engine 按模型的框架或格式选择 worker。
type Engine struct {
	Runners  map[string]*worker.Runner // 以框架名称为键，onnx 导出使用 "onnx"
	Registry *registry.Registry
}

// RunInference 使用 modelID 对应的模型处理 input。
func (e *Engine) RunInference(ctx context.Context, modelID string, input any) (*Result, error) {
	return e.Run(ctx, Request{ModelID: modelID, Input: input})
}

// Run 查找模型，运行 worker 并返回其输出。
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ModelID == "" {
		return nil, errors.New("model id is required")
	}
	if req.Input == nil {
		return nil, errors.New("inference input is required")
	}
	if e.Registry == nil {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, req.ModelID)
	}
	entry, err := e.Registry.Get(req.ModelID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(entry.Path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, entry.ID, err)
	}
	name, err := runnerName(entry)
	if err != nil {
		return nil, err
	}
	runner := e.Runners[name]
	if runner == nil {
		return nil, fmt.Errorf("%w: no %s worker configured", worker.ErrWorkerNotFound, name)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	options := req.Options
	if options == nil {
		options = map[string]any{}
	}

	log.Printf("Running inference on %s model %s (%s, job: %s)", name, entry.ID, entry.Path, jobID)
	outcome, err := runner.Run(ctx, worker.Task{
		Kind:      "inference",
		JobID:     jobID,
		Framework: entry.Framework,
		Format:    entry.Format,
		InputPath: entry.Path,
		Config: map[string]any{
			"input":      req.Input,
			"options":    options,
			"model_kind": entry.Kind,
			"model_name": entry.Name,
		},
	}, req.OnEvent)
	if err != nil {
		return nil, err
	}
	output, ok := outcome.Metadata["output"]
	if !ok {
		return nil, fmt.Errorf("%w: %s worker returned no output", worker.ErrWorkerFailed, name)
	}

	return &Result{
		ModelID:         entry.ID,
		Framework:       name,
		Output:          output,
		Metrics:         outcome.Metrics,
		DurationSeconds: outcome.Duration.Seconds(),
	}, nil
}

// runnerName 返回加载 entry 的 worker 名称。
// GGUF 产物交给 llama.cpp 一类的运行时，这里不提供。
func runnerName(entry registry.Entry) (string, error) {
	switch {
	case entry.Format == formatONNX:
		return formatONNX, nil
	case entry.Kind == registry.KindExport && entry.Format != "safetensors":
		return "", fmt.Errorf("%w: %s export %s", ErrUnsupportedModel, entry.Format, entry.ID)
	case entry.Framework == "":
		return "", fmt.Errorf("%w: %s has no framework", ErrUnsupportedModel, entry.ID)
	}
	return entry.Framework, nil
}
