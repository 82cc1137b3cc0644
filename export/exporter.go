package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ZephyrDeng/forseti-mcp/analyzer"
	"github.com/ZephyrDeng/forseti-mcp/fetch"
	"github.com/ZephyrDeng/forseti-mcp/params"
	"github.com/ZephyrDeng/forseti-mcp/registry"
	"github.com/ZephyrDeng/forseti-mcp/worker"
)

// Exporter 执行模型导出。零值可以完成 GGUF 与 SafeTensors 之间的进程内转换。
type Exporter struct {
	ONNX        *worker.Runner     // checkpoint 到 ONNX
	SafeTensors *worker.Runner     // checkpoint 到 SafeTensors
	Registry    *registry.Registry // 可为 nil
	TopN        int                // profile 摘要中的函数个数
}

// ExportToGGUF 将 safetensors 模型（单文件或分片目录）转换为 GGUF，返回输出文件的绝对路径。
func (e *Exporter) ExportToGGUF(ctx context.Context, modelPath, outputPath string, options map[string]any) (string, error) {
	return e.exportPath(ctx, FormatGGUF, modelPath, outputPath, options)
}

// ExportToONNX 通过框架 worker 将 checkpoint 转换为 ONNX，返回输出文件的绝对路径。
func (e *Exporter) ExportToONNX(ctx context.Context, modelPath, outputPath string, options map[string]any) (string, error) {
	return e.exportPath(ctx, FormatONNX, modelPath, outputPath, options)
}

// ExportToSafeTensors 将模型转换为 SafeTensors，返回输出文件的绝对路径。
func (e *Exporter) ExportToSafeTensors(ctx context.Context, modelPath, outputPath string, options map[string]any) (string, error) {
	return e.exportPath(ctx, FormatSafeTensors, modelPath, outputPath, options)
}

func (e *Exporter) exportPath(ctx context.Context, format, modelPath, outputPath string, options map[string]any) (string, error) {
	report, err := e.Export(ctx, Request{Format: format, ModelPath: modelPath, OutputPath: outputPath, Options: options})
	if err != nil {
		return "", err
	}
	return report.OutputPath, nil
}

// decodedOptions 保存按格式解码后的选项。
type decodedOptions struct {
	common      commonOptions
	gguf        ggufOptions
	safetensors safetensorsOptions
	onnx        onnxOptions
}

func decodeOptions(format string, options map[string]any) (*decodedOptions, error) {
	d := &decodedOptions{}
	var err error
	switch format {
	case FormatGGUF:
		if err = params.Decode(options, &d.gguf, true); err == nil {
			err = d.gguf.validate()
		}
		d.common = d.gguf.commonOptions
	case FormatSafeTensors:
		if err = params.Decode(options, &d.safetensors, true); err == nil {
			err = d.safetensors.validate()
		}
		d.common = d.safetensors.commonOptions
	case FormatONNX:
		if err = params.Decode(options, &d.onnx, false); err == nil {
			err = d.onnx.validate()
		}
		d.common = d.onnx.commonOptions
	default:
		return nil, params.OneOf("format", format, Formats...)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s options: %w", format, err)
	}
	return d, nil
}

// Export 执行一次导出并返回报告。所有选项在读取模型或写入文件之前校验。
func (e *Exporter) Export(ctx context.Context, req Request) (*Report, error) {
	req.Format = params.Normalize(req.Format)
	opts, err := decodeOptions(req.Format, req.Options)
	if err != nil {
		return nil, err
	}
	if req.ModelPath == "" {
		return nil, errors.New("model_path is required")
	}
	if req.OutputPath == "" {
		return nil, errors.New("output_path is required")
	}
	outputPath, err := filepath.Abs(req.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("resolve output path: %w", err)
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	log.Printf("Exporting %s to %s (format: %s, job: %s)", req.ModelPath, outputPath, req.Format, req.JobID)
	modelPath, cleanup, err := fetch.AsLocalPath(ctx, req.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("model_path: %w", err)
	}
	defer cleanup()

	src, err := detectSource(modelPath)
	if err != nil {
		return nil, err
	}
	if err := checkOutput(outputPath, modelPath, opts.common.Overwrite); err != nil {
		return nil, err
	}

	start := time.Now()
	report := &Report{OutputPath: outputPath, Format: req.Format, Source: string(src.Kind)}
	convert := func() error {
		var err error
		switch req.Format {
		case FormatGGUF:
			report.Bytes, report.Tensors, err = e.toGGUF(ctx, req, src, opts.gguf, outputPath)
		case FormatSafeTensors:
			report.Bytes, report.Tensors, err = e.toSafeTensors(ctx, req, src, opts.safetensors, outputPath)
		case FormatONNX:
			report.Bytes, err = e.toONNX(ctx, req, src, opts.onnx, outputPath)
		}
		return err
	}

	if opts.common.Profile {
		prof, err := analyzer.CaptureCPUProfile(convert)
		if err != nil {
			return nil, err
		}
		if prof != nil {
			summary, aerr := analyzer.AnalyzeCPUProfile(prof, fmt.Sprintf("%s export of %s", req.Format, filepath.Base(modelPath)), e.TopN, "text")
			if aerr != nil {
				log.Printf("Warning: failed to summarize export profile: %v", aerr)
			}
			report.ProfileSummary = summary
		}
	} else if err := convert(); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	report.Throughput = analyzer.FormatThroughput(report.Bytes, report.Duration)
	log.Printf("Exported %s (%s, %d tensors) in %s, %s", outputPath, analyzer.FormatBytes(report.Bytes), report.Tensors, report.Duration.Round(time.Millisecond), report.Throughput)

	if e.Registry != nil {
		entry, err := e.Registry.Register(registry.Entry{
			Kind:      registry.KindExport,
			Name:      filepath.Base(outputPath),
			Framework: src.Framework,
			Format:    req.Format,
			Path:      outputPath,
			SourceID:  e.sourceID(modelPath),
			JobID:     req.JobID,
			Metadata: map[string]string{
				"source":      req.ModelPath,
				"source_kind": string(src.Kind),
				"tensors":     strconv.Itoa(report.Tensors),
			},
		})
		if err != nil {
			log.Printf("Warning: failed to register export %s: %v", outputPath, err)
		} else {
			report.ModelID = entry.ID
		}
	}
	return report, nil
}

// sourceID 返回注册表中路径与 modelPath 相同的模型 ID。
func (e *Exporter) sourceID(modelPath string) string {
	for _, entry := range e.Registry.List(registry.Filter{}) {
		if entry.Path == modelPath && entry.Kind != registry.KindExport {
			return entry.ID
		}
	}
	return ""
}

func checkOutput(outputPath, modelPath string, overwrite bool) error {
	if outputPath == modelPath {
		return fmt.Errorf("output_path must differ from model_path")
	}
	info, err := os.Stat(outputPath)
	switch {
	case err == nil && info.IsDir():
		return fmt.Errorf("output_path '%s' is a directory", outputPath)
	case err == nil && !overwrite:
		return fmt.Errorf("%w: %s (set overwrite to replace it)", ErrOutputExists, outputPath)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("output_path: %w", err)
	}
	return nil
}

func (e *Exporter) toGGUF(ctx context.Context, req Request, src *source, opts ggufOptions, outputPath string) (int64, int, error) {
	switch src.Kind {
	case sourceGGUF:
		return 0, 0, fmt.Errorf("%w: model is already GGUF", ErrUnsupportedSource)
	case sourceCheckpoint:
		// 先由 worker 转换为 safetensors，再在进程内写 GGUF
		tmpDir, err := os.MkdirTemp("", "forseti-export-*")
		if err != nil {
			return 0, 0, err
		}
		defer os.RemoveAll(tmpDir)
		intermediate := filepath.Join(tmpDir, "model.safetensors")
		if _, _, err := e.runWorker(ctx, e.SafeTensors, FormatSafeTensors, req, src, src.Framework, nil, intermediate, true); err != nil {
			return 0, 0, err
		}
		config := src.Config
		src = &source{Kind: sourceSafetensors, Path: src.Path, Files: []string{intermediate}, Framework: src.Framework, Config: config}
	}

	set, err := openTensors(src)
	if err != nil {
		return 0, 0, err
	}
	defer set.Close()
	plan, err := planGGUF(set, src, opts)
	if err != nil {
		return 0, 0, err
	}
	n, err := writeAtomic(outputPath, opts.Overwrite, func(w io.Writer) (int64, error) {
		return plan.write(w, req.Progress)
	})
	return n, len(plan.tensors), err
}

func (e *Exporter) toSafeTensors(ctx context.Context, req Request, src *source, opts safetensorsOptions, outputPath string) (int64, int, error) {
	if src.Kind == sourceCheckpoint {
		framework := src.Framework
		if opts.Framework != "" {
			framework = opts.Framework
		}
		config := map[string]any{"dtype": opts.DType, "metadata": opts.Metadata}
		return e.runWorker(ctx, e.SafeTensors, FormatSafeTensors, req, src, framework, config, outputPath, opts.Overwrite)
	}

	set, err := openTensors(src)
	if err != nil {
		return 0, 0, err
	}
	defer set.Close()
	plan, err := planSafetensors(set, opts)
	if err != nil {
		return 0, 0, err
	}
	n, err := writeAtomic(outputPath, opts.Overwrite, func(w io.Writer) (int64, error) {
		return plan.write(w, req.Progress)
	})
	return n, len(plan.tensors), err
}

// writeAtomic 先写入同目录下的临时文件，成功后重命名，失败时不留下任何输出。
func writeAtomic(outputPath string, overwrite bool, write func(w io.Writer) (int64, error)) (int64, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temporary output: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := write(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = commitOutput(tmpPath, outputPath, overwrite)
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

// commitOutput 将临时文件重命名为最终输出。
func commitOutput(tmpPath, outputPath string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("%w: %s", ErrOutputExists, outputPath)
		}
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}
