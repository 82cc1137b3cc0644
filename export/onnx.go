package export

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/ZephyrDeng/forseti-mcp/worker"
)

func (e *Exporter) toONNX(ctx context.Context, req Request, src *source, opts onnxOptions, outputPath string) (int64, error) {
	framework := opts.Framework
	if framework == "" {
		switch src.Kind {
		case sourceCheckpoint:
			framework = src.Framework
		case sourceSafetensors, sourceShards:
			// Hugging Face 目录默认由 PyTorch 加载
			framework = "pytorch"
		default:
			return 0, fmt.Errorf("%w: %s models cannot be exported to ONNX", ErrUnsupportedSource, src.Kind)
		}
	}
	if src.Kind == sourceGGUF {
		return 0, fmt.Errorf("%w: GGUF models cannot be exported to ONNX", ErrUnsupportedSource)
	}
	if framework == "pytorch" && len(opts.InputShape) == 0 {
		return 0, fmt.Errorf("input_shape is required to trace a PyTorch model")
	}

	config := map[string]any{
		"opset":         opts.Opset,
		"dynamic_batch": *opts.DynamicBatch,
	}
	if len(opts.InputShape) > 0 {
		config["input_shape"] = opts.InputShape
	}
	for k, v := range opts.Extra {
		config[k] = v
	}
	n, _, err := e.runWorker(ctx, e.ONNX, FormatONNX, req, src, framework, config, outputPath, opts.Overwrite)
	return n, err
}

// runWorker 让 worker 把结果写到输出目录中的临时文件，校验后再重命名为 outputPath。
// 返回写出的字节数与（safetensors 输出的）张量个数。
func (e *Exporter) runWorker(ctx context.Context, runner *worker.Runner, format string, req Request, src *source, framework string, config map[string]any, outputPath string, overwrite bool) (int64, int, error) {
	if runner == nil {
		return 0, 0, fmt.Errorf("%w: no %s export worker configured", worker.ErrWorkerNotFound, format)
	}
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return 0, 0, fmt.Errorf("create temporary output: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()
	// worker 报告的产物先移到输出目录下的暂存目录，再重命名为 tmpPath
	stage, err := os.MkdirTemp(dir, "."+filepath.Base(outputPath)+".worker-*")
	if err != nil {
		return 0, 0, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	task := worker.Task{
		Kind:        "export",
		JobID:       req.JobID,
		Framework:   framework,
		Format:      format,
		InputPath:   src.Path,
		OutputPath:  tmpPath,
		Config:      config,
		ArtifactDir: stage,
	}
	var onEvent func(worker.Event)
	if req.Progress != nil {
		onEvent = func(ev worker.Event) {
			if ev.Type == worker.EventProgress {
				req.Progress(ev.Step, ev.TotalSteps)
			}
		}
	}
	log.Printf("Delegating %s export of %s to the %s worker (framework: %s)", format, src.Path, runner.Name, framework)
	outcome, err := runner.Run(ctx, task, onEvent)
	if err != nil {
		return 0, 0, err
	}
	// worker 可能写到了别处，以 result 事件中的路径为准
	if outcome.ArtifactPath != "" {
		if err := os.Rename(outcome.ArtifactPath, tmpPath); err != nil {
			return 0, 0, fmt.Errorf("collect worker output '%s': %w", outcome.ArtifactPath, err)
		}
	}

	tensors := 0
	switch format {
	case FormatONNX:
		err = checkONNX(tmpPath)
	case FormatSafeTensors:
		var st *safetensorsFile
		if st, err = openSafetensors(tmpPath); err == nil {
			tensors = len(st.tensors)
			st.Close()
		}
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s worker output: %v", worker.ErrWorkerFailed, runner.Name, err)
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		return 0, 0, err
	}
	if err := commitOutput(tmpPath, outputPath, overwrite); err != nil {
		return 0, 0, err
	}
	committed = true
	return info.Size(), tensors, nil
}

// checkONNX 检查文件是否以 ModelProto 的 ir_version 字段（field 1, varint）开头。
func checkONNX(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, 11)
	n, err := io.ReadFull(f, head)
	if n == 0 {
		return fmt.Errorf("%w: empty ONNX file", ErrInvalidModel)
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return err
	}
	if head[0] != 0x08 {
		return fmt.Errorf("%w: not an ONNX ModelProto (first byte 0x%02x)", ErrInvalidModel, head[0])
	}
	version, m := binary.Uvarint(head[1:n])
	if m <= 0 || version == 0 {
		return fmt.Errorf("%w: ONNX file has no valid ir_version", ErrInvalidModel)
	}
	return nil
}
