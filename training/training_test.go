package training_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ZephyrDeng/forseti-mcp/hostinfo"
	"github.com/ZephyrDeng/forseti-mcp/registry"
	"github.com/ZephyrDeng/forseti-mcp/training"
	"github.com/ZephyrDeng/forseti-mcp/worker"
	"github.com/ZephyrDeng/forseti-mcp/worker/workertest"
)

func newTrainer(t *testing.T, command []string) (*training.Trainer, *registry.Registry, string) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatal(err)
	}
	workDir := t.TempDir()
	runners := map[string]*worker.Runner{}
	for _, fw := range training.Frameworks {
		// 保留任务目录以便检查 request.json
		runners[fw] = &worker.Runner{Name: fw, Command: command, WorkDir: workDir, GracePeriod: time.Second, KeepTaskDir: true}
	}
	return &training.Trainer{
		Runners:   runners,
		Registry:  reg,
		OutputDir: t.TempDir(),
		Host:      hostinfo.Info{Arch: "amd64", Brand: "Test CPU", PhysicalCores: 4},
	}, reg, workDir
}

func TestTrainPyTorchModel(t *testing.T) {
	trainer, reg, workDir := newTrainer(t, workertest.Succeed(t, "model.pt"))

	result, err := trainer.TrainPyTorchModel(context.Background(), map[string]any{
		"model_type":    "mlp",
		"epochs":        "3",
		"learning_rate": 0.01,
		"hidden_units":  []any{64, 32},
	}, []byte("x,y\n1,2\n3,4\n"))
	if err != nil {
		t.Fatalf("TrainPyTorchModel: %v", err)
	}

	if result.Status != training.StatusCompleted || result.Framework != training.PyTorch || result.Epochs != 3 {
		t.Errorf("result = %+v", result)
	}
	if result.Metrics["accuracy"] != 0.81 {
		t.Errorf("metrics = %v", result.Metrics)
	}
	if result.Metadata["data_format"] != "csv" || result.Metadata["host.cpu"] != "Test CPU" || result.Metadata["worker.worker_version"] != "test" {
		t.Errorf("metadata = %v", result.Metadata)
	}
	if filepath.Base(filepath.Dir(result.ArtifactPath)) != result.ModelID {
		t.Errorf("artifact %s not stored under the model id directory", result.ArtifactPath)
	}
	if data, err := os.ReadFile(result.ArtifactPath); err != nil || string(data) != "weights" {
		t.Errorf("artifact content = %q, %v", data, err)
	}

	entry, err := reg.Get(result.ModelID)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if entry.Kind != registry.KindModel || entry.Name != "mlp" || entry.Format != "pt" || entry.Path != result.ArtifactPath {
		t.Errorf("entry = %+v", entry)
	}

	// 未识别的键原样传给 worker
	body, err := os.ReadFile(filepath.Join(workDir, result.ModelID, "request.json"))
	if err != nil {
		t.Fatal(err)
	}
	var req struct {
		Framework string          `json:"framework"`
		Config    training.Config `json:"config"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatal(err)
	}
	if req.Framework != "pytorch" || req.Config.Optimizer != "adam" || req.Config.BatchSize != 32 || req.Config.Extra["hidden_units"] == nil {
		t.Errorf("request = %+v", req)
	}
}

func TestTrainValidation(t *testing.T) {
	trainer, _, _ := newTrainer(t, workertest.Succeed(t, "model.pt"))
	ctx := context.Background()

	tests := []struct {
		name      string
		framework string
		config    map[string]any
		data      []byte
		want      []string
	}{
		{"unknown framework", "caffe", map[string]any{"model_type": "x"}, []byte("a"), []string{"unsupported framework"}},
		{"missing model type", training.JAX, map[string]any{}, []byte("a"), []string{"model_type is required"}},
		{
			"several errors", training.TensorFlow,
			map[string]any{"model_type": "cnn", "epochs": -1, "optimizer": "lion", "device": "mps", "validation_split": 1.5},
			[]byte("a"),
			[]string{"epochs", "optimizer", "device", "validation_split"},
		},
		{
			"explicit zero values", training.PyTorch,
			map[string]any{"model_type": "mlp", "epochs": 0, "batch_size": 0, "learning_rate": 0},
			[]byte("a"),
			[]string{"epochs", "batch_size", "learning_rate"},
		},
		{
			"zero values as strings", training.JAX,
			map[string]any{"model_type": "mlp", "epochs": "0", "learning_rate": "0.0"},
			[]byte("a"),
			[]string{"epochs", "learning_rate"},
		},
		{"bad data format", training.PyTorch, map[string]any{"model_type": "x", "data_format": "xml"}, []byte("a"), []string{"data_format"}},
		{"empty data", training.PyTorch, map[string]any{"model_type": "x"}, nil, []string{"training data is empty"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := trainer.Train(ctx, training.Request{Framework: tc.framework, Config: tc.config, Data: tc.data})
			if err == nil {
				t.Fatal("expected error")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}

	_, err := trainer.Train(ctx, training.Request{Framework: "caffe", Config: map[string]any{}, Data: []byte("a")})
	if !errors.Is(err, training.ErrUnsupportedFramework) {
		t.Errorf("errors.Is(ErrUnsupportedFramework) = false for %v", err)
	}
}

func TestFineTuneResolvesRegistryID(t *testing.T) {
	trainer, reg, workDir := newTrainer(t, workertest.Succeed(t, "finetuned.msgpack"))

	base := filepath.Join(t.TempDir(), "base.msgpack")
	if err := os.WriteFile(base, []byte("base"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry, err := reg.Register(registry.Entry{Kind: registry.KindModel, Name: "vit", Framework: training.JAX, Path: base})
	if err != nil {
		t.Fatal(err)
	}

	result, err := trainer.FineTune(context.Background(), training.Request{
		Framework: training.JAX,
		Config:    map[string]any{"model_type": "vit"},
		Data:      []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0},
	}, entry.ID)
	if err != nil {
		t.Fatalf("FineTune: %v", err)
	}
	if result.Metadata["base_model"] != base || result.Metadata["data_format"] != "npy" {
		t.Errorf("metadata = %v", result.Metadata)
	}
	tuned, err := reg.Get(result.ModelID)
	if err != nil || tuned.SourceID != entry.ID {
		t.Errorf("fine-tuned entry = %+v, %v", tuned, err)
	}

	body, _ := os.ReadFile(filepath.Join(workDir, result.ModelID, "request.json"))
	if !strings.Contains(string(body), base) {
		t.Errorf("request.json does not carry the resolved base model path:\n%s", body)
	}

	if _, err := trainer.FineTune(context.Background(), training.Request{Framework: training.JAX, Config: map[string]any{"model_type": "vit"}, Data: []byte("a")}, ""); err == nil {
		t.Error("expected error for empty base model")
	}
}

func TestTrainWorkerFailure(t *testing.T) {
	trainer, reg, _ := newTrainer(t, workertest.Script(t, `echo '{"type":"error","message":"CUDA out of memory"}'; exit 1`))
	_, err := trainer.TrainTensorFlowModel(context.Background(), map[string]any{"model_type": "cnn"}, []byte("a,b\n"))
	if !errors.Is(err, worker.ErrWorkerFailed) || !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("error = %v", err)
	}
	if n := len(reg.List(registry.Filter{})); n != 0 {
		t.Errorf("registry has %d entries after a failed run", n)
	}
}

func TestTrainMissingRunner(t *testing.T) {
	trainer := &training.Trainer{}
	_, err := trainer.TrainJAXModel(context.Background(), map[string]any{"model_type": "mlp"}, []byte("a"))
	if !errors.Is(err, worker.ErrWorkerNotFound) {
		t.Errorf("error = %v, want ErrWorkerNotFound", err)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := training.ParseConfig(training.PyTorch, map[string]any{"model_type": "mlp", "batch_size": nil})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Epochs != 1 || cfg.BatchSize != 32 || cfg.LearningRate != 1e-3 || cfg.Optimizer != "adam" || cfg.DataFormat != "auto" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestTrainRemovesTaskDir(t *testing.T) {
	tests := []struct {
		name    string
		command func(t *testing.T) []string
		wantErr bool
	}{
		{"success", func(t *testing.T) []string { return workertest.Succeed(t, "model.pt") }, false},
		{"worker failure", func(t *testing.T) []string {
			return workertest.Script(t, `echo '{"type":"error","message":"diverged"}'; exit 1`)
		}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			trainer, _, workDir := newTrainer(t, tc.command(t))
			for _, r := range trainer.Runners {
				r.KeepTaskDir = false
			}
			result, err := trainer.TrainPyTorchModel(context.Background(), map[string]any{"model_type": "mlp"}, []byte("x,y\n1,2\n"))
			if (err != nil) != tc.wantErr {
				t.Fatalf("TrainPyTorchModel error = %v, wantErr %t", err, tc.wantErr)
			}
			entries, err := os.ReadDir(workDir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("work dir still holds %d task dirs (first: %s)", len(entries), entries[0].Name())
			}
			if result != nil {
				if data, err := os.ReadFile(result.ArtifactPath); err != nil || string(data) != "weights" {
					t.Errorf("artifact lost with the task dir: %q, %v", data, err)
				}
			}
		})
	}
}
