package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ZephyrDeng/forseti-mcp/export"
	"github.com/ZephyrDeng/forseti-mcp/fetch"
	"github.com/ZephyrDeng/forseti-mcp/inference"
	"github.com/ZephyrDeng/forseti-mcp/jobs"
	"github.com/ZephyrDeng/forseti-mcp/registry"
	"github.com/ZephyrDeng/forseti-mcp/rl"
	"github.com/ZephyrDeng/forseti-mcp/training"
	"github.com/ZephyrDeng/forseti-mcp/worker"
)

// 任务类型
const (
	kindTrain     = "train"
	kindFineTune  = "fine_tune"
	kindRL        = "rl"
	kindExport    = "export"
	kindInference = "inference"
)

// service 持有所有工具处理器共享的组件。
type service struct {
	jobs      *jobs.Manager
	registry  *registry.Registry
	trainer   *training.Trainer
	agents    *rl.Trainer
	exporter  *export.Exporter
	inference *inference.Engine
}

// handleTrainModel 处理 "train_model" 工具。
func (s *service) handleTrainModel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	framework, err := stringArg(args, "framework", true)
	if err != nil {
		return nil, err
	}
	framework = strings.ToLower(framework)
	config, err := objectArg(args, "config")
	if err != nil {
		return nil, err
	}
	wait, err := boolArg(args, "wait")
	if err != nil {
		return nil, err
	}

	// 先校验配置，避免读取数据或提交注定失败的任务
	cfg, err := training.ParseConfig(framework, config)
	if err != nil {
		return nil, err
	}
	data, err := trainingData(ctx, args)
	if err != nil {
		return nil, err
	}

	log.Printf("Handling train_model: framework=%s, model_type=%s, data=%d bytes, wait=%t", framework, cfg.ModelType, len(data), wait)
	return s.submit(ctx, kindTrain, framework+"/"+cfg.ModelType, wait, func(ctx context.Context, jobID string, report func(jobs.Progress)) (any, error) {
		return s.trainer.Train(ctx, training.Request{
			Framework: framework,
			Config:    config,
			Data:      data,
			JobID:     jobID,
			OnEvent:   progressReporter(report),
		})
	})
}

// handleFineTuneModel 处理 "fine_tune_model" 工具。
func (s *service) handleFineTuneModel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	framework, err := stringArg(args, "framework", true)
	if err != nil {
		return nil, err
	}
	framework = strings.ToLower(framework)
	baseModel, err := stringArg(args, "base_model", true)
	if err != nil {
		return nil, err
	}
	config, err := objectArg(args, "config")
	if err != nil {
		return nil, err
	}
	wait, err := boolArg(args, "wait")
	if err != nil {
		return nil, err
	}
	cfg, err := training.ParseConfig(framework, config)
	if err != nil {
		return nil, err
	}
	data, err := trainingData(ctx, args)
	if err != nil {
		return nil, err
	}

	log.Printf("Handling fine_tune_model: framework=%s, base_model=%s, data=%d bytes, wait=%t", framework, baseModel, len(data), wait)
	return s.submit(ctx, kindFineTune, framework+"/"+cfg.ModelType, wait, func(ctx context.Context, jobID string, report func(jobs.Progress)) (any, error) {
		return s.trainer.FineTune(ctx, training.Request{
			Framework: framework,
			Config:    config,
			Data:      data,
			JobID:     jobID,
			OnEvent:   progressReporter(report),
		}, baseModel)
	})
}

// handleTrainRLAgent 处理 "train_rl_agent" 工具。
func (s *service) handleTrainRLAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	library, err := stringArg(args, "library", true)
	if err != nil {
		return nil, err
	}
	library = strings.ToLower(library)
	algorithm, err := stringArg(args, "algorithm", true)
	if err != nil {
		return nil, err
	}
	algorithm, err = rl.CanonicalAlgorithm(library, algorithm)
	if err != nil {
		return nil, err
	}
	envConfig, err := objectArg(args, "env_config")
	if err != nil {
		return nil, err
	}
	hyperparameters, err := objectArg(args, "hyperparameters")
	if err != nil {
		return nil, err
	}
	wait, err := boolArg(args, "wait")
	if err != nil {
		return nil, err
	}
	envID, _ := envConfig["env_id"].(string)

	log.Printf("Handling train_rl_agent: library=%s, algorithm=%s, env=%s, wait=%t", library, algorithm, envID, wait)
	return s.submit(ctx, kindRL, algorithm+"/"+envID, wait, func(ctx context.Context, jobID string, report func(jobs.Progress)) (any, error) {
		return s.agents.Train(ctx, rl.Request{
			Library:         library,
			Algorithm:       algorithm,
			EnvConfig:       envConfig,
			Hyperparameters: hyperparameters,
			JobID:           jobID,
			OnEvent:         progressReporter(report),
		})
	})
}

// handleExportModel 处理 "export_model" 工具。
func (s *service) handleExportModel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	format, err := stringArg(args, "format", true)
	if err != nil {
		return nil, err
	}
	format = strings.ToLower(format)
	modelPath, err := stringArg(args, "model_path", true)
	if err != nil {
		return nil, err
	}
	outputPath, err := stringArg(args, "output_path", true)
	if err != nil {
		return nil, err
	}
	options, err := objectArg(args, "options")
	if err != nil {
		return nil, err
	}
	wait, err := boolArg(args, "wait")
	if err != nil {
		return nil, err
	}

	log.Printf("Handling export_model: format=%s, model=%s, output=%s, wait=%t", format, modelPath, outputPath, wait)
	return s.submit(ctx, kindExport, format+": "+modelPath, wait, func(ctx context.Context, jobID string, report func(jobs.Progress)) (any, error) {
		return s.exporter.Export(ctx, export.Request{
			Format:     format,
			ModelPath:  modelPath,
			OutputPath: outputPath,
			Options:    options,
			JobID:      jobID,
			Progress: func(done, total int64) {
				report(jobs.Progress{Step: done, TotalSteps: total})
			},
		})
	})
}

// handleRunInference 处理 "run_inference" 工具。推理总是等待 worker 返回。
func (s *service) handleRunInference(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	modelID, err := stringArg(args, "model_id", true)
	if err != nil {
		return nil, err
	}
	raw, err := stringArg(args, "input", true)
	if err != nil {
		return nil, err
	}
	options, err := objectArg(args, "options")
	if err != nil {
		return nil, err
	}
	// 先查注册表，未知模型不创建任务
	entry, err := s.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	input := inferenceInput(raw)

	log.Printf("Handling run_inference: model=%s (%s/%s), input=%d bytes", modelID, entry.Framework, entry.Format, len(raw))
	return s.submit(ctx, kindInference, entry.Name+": "+modelID, true, func(ctx context.Context, jobID string, report func(jobs.Progress)) (any, error) {
		return s.inference.Run(ctx, inference.Request{
			ModelID: modelID,
			Input:   input,
			Options: options,
			JobID:   jobID,
			OnEvent: progressReporter(report),
		})
	})
}

// inferenceInput 将合法的 JSON 解码后交给 worker，其余按纯文本处理。
func inferenceInput(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// handleGetJobStatus 处理 "get_job_status" 工具。
func (s *service) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(request.Params.Arguments, "job_id", true)
	if err != nil {
		return nil, err
	}
	snap, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	return jsonResult(snap)
}

// handleListJobs 处理 "list_jobs" 工具，最新的任务排在最前。
func (s *service) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	kind, err := stringArg(args, "kind", false)
	if err != nil {
		return nil, err
	}
	state, err := stringArg(args, "state", false)
	if err != nil {
		return nil, err
	}

	all := s.jobs.List(kind)
	snaps := make([]jobs.Snapshot, 0, len(all))
	for _, snap := range all {
		if state == "" || string(snap.State) == state {
			snaps = append(snaps, snap)
		}
	}
	jobs.SortByCreated(snaps)
	return jsonResult(map[string]any{
		"jobs":   snaps,
		"counts": s.jobs.Counts(),
	})
}

// handleCancelJob 处理 "cancel_job" 工具。
func (s *service) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(request.Params.Arguments, "job_id", true)
	if err != nil {
		return nil, err
	}
	log.Printf("Handling cancel_job: %s", id)
	if err := s.jobs.Cancel(id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("已请求取消任务 %s，worker 会收到中断信号。", id)), nil
}

// handleListModels 处理 "list_models" 工具。
func (s *service) handleListModels(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	var filter registry.Filter
	var err error
	if filter.Kind, err = stringArg(args, "kind", false); err != nil {
		return nil, err
	}
	if filter.Framework, err = stringArg(args, "framework", false); err != nil {
		return nil, err
	}
	if filter.Format, err = stringArg(args, "format", false); err != nil {
		return nil, err
	}
	return jsonResult(s.registry.List(filter))
}

// handleDeleteModel 处理 "delete_model" 工具。delete_artifact 为 true 时同时删除模型文件。
func (s *service) handleDeleteModel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	id, err := stringArg(args, "model_id", true)
	if err != nil {
		return nil, err
	}
	deleteArtifact, err := boolArg(args, "delete_artifact")
	if err != nil {
		return nil, err
	}
	entry, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	log.Printf("Handling delete_model: %s (%s), delete_artifact=%t", id, entry.Path, deleteArtifact)
	if err := s.registry.Remove(id); err != nil {
		return nil, err
	}
	if !deleteArtifact {
		return textResult(fmt.Sprintf("已从注册表删除 %s %s，产物保留在 %s。", entry.Kind, id, entry.Path)), nil
	}
	if err := os.RemoveAll(entry.Path); err != nil {
		return nil, fmt.Errorf("removed %s from registry but failed to delete '%s': %w", id, entry.Path, err)
	}
	return textResult(fmt.Sprintf("已删除 %s %s 及其产物 %s。", entry.Kind, id, entry.Path)), nil
}

// 模型状态
const (
	modelAvailable = "available"
	modelMissing   = "missing" // 已登记但产物不存在
)

type modelStatus struct {
	registry.Entry
	Status string `json:"status"`
}

// handleGetModelStatus 处理 "get_model_status" 工具。
func (s *service) handleGetModelStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := stringArg(request.Params.Arguments, "model_id", true)
	if err != nil {
		return nil, err
	}
	entry, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	status := modelStatus{Entry: entry, Status: modelAvailable}
	if _, err := os.Stat(entry.Path); err != nil {
		log.Printf("Warning: artifact of model %s is not accessible: %v", id, err)
		status.Status = modelMissing
	}
	return jsonResult(status)
}

// handleReadJob 读取 forseti://jobs/{id} 资源。
func (s *service) handleReadJob(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(request.Params.URI, jobURIPrefix)
	if id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("invalid job resource URI '%s'", request.Params.URI)
	}
	snap, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", id, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		},
	}, nil
}

// handleReadModels 读取 forseti://models 资源。
func (s *service) handleReadModels(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	body, err := json.MarshalIndent(s.registry.List(registry.Filter{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		},
	}, nil
}

// submit 提交任务。wait 为 false 时立即返回任务快照，否则等待任务结束并返回其结果。
// 等待期间请求被取消时任务继续在后台运行。
func (s *service) submit(ctx context.Context, kind, name string, wait bool, fn jobs.Func) (*mcp.CallToolResult, error) {
	snap := s.jobs.Submit(kind, name, fn)
	if !wait {
		return jsonResult(snap)
	}
	done, err := s.jobs.Wait(ctx, snap.ID)
	if err != nil {
		return nil, fmt.Errorf("stopped waiting for job %s (still %s, poll get_job_status): %w", snap.ID, done.State, err)
	}
	if done.State != jobs.StateSucceeded {
		return nil, fmt.Errorf("%s job %s %s: %s", kind, done.ID, done.State, done.Error)
	}
	return jsonResult(done.Result)
}

// progressReporter 将 worker 的 progress 事件转换为任务进度。
func progressReporter(report func(jobs.Progress)) func(worker.Event) {
	return func(ev worker.Event) {
		if ev.Type != worker.EventProgress {
			return
		}
		report(jobs.Progress{Step: ev.Step, TotalSteps: ev.TotalSteps, Metrics: ev.Metrics})
	}
}

// trainingData 从 training_data（base64）或 training_data_uri 读取训练数据，两者必须且只能提供一个。
func trainingData(ctx context.Context, args map[string]any) ([]byte, error) {
	encoded, err := stringArg(args, "training_data", false)
	if err != nil {
		return nil, err
	}
	uri, err := stringArg(args, "training_data_uri", false)
	if err != nil {
		return nil, err
	}
	switch {
	case encoded != "" && uri != "":
		return nil, errors.New("provide either training_data or training_data_uri, not both")
	case encoded != "":
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("training_data is not valid base64: %w", err)
		}
		return data, nil
	case uri != "":
		data, err := fetch.ReadAll(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("failed to read training data: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing required argument: training_data (base64) or training_data_uri")
	}
}

func stringArg(args map[string]any, name string, required bool) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required argument: %s (string)", name)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("invalid argument: %s must be a string", name)
	}
	s = strings.TrimSpace(s)
	if s == "" && required {
		return "", fmt.Errorf("missing required argument: %s (string)", name)
	}
	return s, nil
}

func objectArg(args map[string]any, name string) (map[string]any, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid argument: %s must be an object", name)
	}
	return m, nil
}

func boolArg(args map[string]any, name string) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("invalid argument: %s must be a boolean", name)
	}
	return b, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return textResult(string(body)), nil
}
