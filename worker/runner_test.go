package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ZephyrDeng/forseti-mcp/worker"
	"github.com/ZephyrDeng/forseti-mcp/worker/workertest"
)

func newRunner(t *testing.T, command []string) *worker.Runner {
	t.Helper()
	return &worker.Runner{
		Name:        "test",
		Command:     command,
		WorkDir:     t.TempDir(),
		Manager:     worker.NewManager(),
		GracePeriod: time.Second,
	}
}

func TestRunSuccess(t *testing.T) {
	r := newRunner(t, workertest.Succeed(t, "model.pt"))
	r.KeepTaskDir = true

	var progress []worker.Event
	outcome, err := r.Run(context.Background(), worker.Task{
		Kind:      "train",
		JobID:     "job-1",
		Framework: "pytorch",
		Config:    map[string]any{"epochs": 2},
		Data:      []byte("a,b\n1,2\n"),
	}, func(ev worker.Event) {
		if ev.Type == worker.EventProgress {
			progress = append(progress, ev)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(progress) != 2 {
		t.Errorf("progress events = %d, want 2", len(progress))
	}
	if outcome.Steps != 2 || outcome.TotalSteps != 2 {
		t.Errorf("steps = %d/%d, want 2/2", outcome.Steps, outcome.TotalSteps)
	}
	// result 中的指标覆盖 progress 中的同名指标
	if outcome.Metrics["accuracy"] != 0.81 || outcome.Metrics["loss"] != 0.4 {
		t.Errorf("metrics = %v", outcome.Metrics)
	}
	if outcome.Metadata["worker_version"] != "test" {
		t.Errorf("metadata = %v", outcome.Metadata)
	}
	want := filepath.Join(outcome.TaskDir, "model.pt")
	if outcome.ArtifactPath != want {
		t.Errorf("ArtifactPath = %q, want %q", outcome.ArtifactPath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("artifact not written: %v", err)
	}

	body, err := os.ReadFile(filepath.Join(outcome.TaskDir, "request.json"))
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req["framework"] != "pytorch" || req["job_id"] != "job-1" {
		t.Errorf("request = %v", req)
	}
	dataPath, _ := req["data_path"].(string)
	data, err := os.ReadFile(dataPath)
	if err != nil || string(data) != "a,b\n1,2\n" {
		t.Errorf("training data = %q, %v", data, err)
	}
	if len(r.Manager.Running()) != 0 {
		t.Errorf("process table not cleaned up: %v", r.Manager.Running())
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{
			name:   "non-zero exit",
			script: "echo 'CUDA out of memory' >&2\nexit 3",
			want:   "CUDA out of memory",
		},
		{
			name:   "error event",
			script: `echo '{"type":"error","message":"unknown architecture resnet9000"}'`,
			want:   "unknown architecture resnet9000",
		},
		{
			name:   "no result",
			script: `echo '{"type":"progress","step":1}'`,
			want:   "without a result event",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner(t, workertest.Script(t, tt.script))
			_, err := r.Run(context.Background(), worker.Task{Kind: "train", JobID: "job-fail"}, nil)
			if !errors.Is(err, worker.ErrWorkerFailed) {
				t.Fatalf("err = %v, want ErrWorkerFailed", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestRunIgnoresNoise(t *testing.T) {
	r := newRunner(t, workertest.Script(t, `
echo 'Epoch 1/1 ....'
echo '{not json'
echo '{"type":"heartbeat"}'
echo '{"type":"result","artifact_path":"/abs/model.onnx"}'
`))
	outcome, err := r.Run(context.Background(), worker.Task{Kind: "export", JobID: "job-noise"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.ArtifactPath != "/abs/model.onnx" {
		t.Errorf("ArtifactPath = %q", outcome.ArtifactPath)
	}
}

func TestRunMissingCommand(t *testing.T) {
	r := newRunner(t, []string{"forseti-no-such-worker-binary"})
	_, err := r.Run(context.Background(), worker.Task{JobID: "job-x"}, nil)
	if !errors.Is(err, worker.ErrWorkerNotFound) {
		t.Fatalf("err = %v, want ErrWorkerNotFound", err)
	}
}

func TestRunCancel(t *testing.T) {
	r := newRunner(t, workertest.Script(t, `
echo '{"type":"progress","step":1,"total_steps":100}'
sleep 30
`))
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, worker.Task{Kind: "train", JobID: "job-cancel"}, func(worker.Event) {
			select {
			case <-started:
			default:
				close(started)
			}
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never reported progress")
	}
	if ids := r.Manager.Running(); len(ids) != 1 || ids[0] != "job-cancel" {
		t.Errorf("Running = %v", ids)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker was not stopped after cancel")
	}
}

func TestManagerTerminateUnknown(t *testing.T) {
	m := worker.NewManager()
	if err := m.Terminate("nope", 0); err == nil {
		t.Error("expected error for unknown job")
	}
	m.TerminateAll(0)
}

func TestRunRemovesTaskDir(t *testing.T) {
	t.Run("success moves artifact first", func(t *testing.T) {
		r := newRunner(t, workertest.Succeed(t, "model.pt"))
		artifactDir := filepath.Join(t.TempDir(), "models", "m-1")
		outcome, err := r.Run(context.Background(), worker.Task{
			Kind:        "train",
			JobID:       "job-clean",
			Data:        []byte("a,b\n"),
			ArtifactDir: artifactDir,
		}, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if want := filepath.Join(artifactDir, "model.pt"); outcome.ArtifactPath != want {
			t.Errorf("ArtifactPath = %q, want %q", outcome.ArtifactPath, want)
		}
		if data, err := os.ReadFile(outcome.ArtifactPath); err != nil || string(data) != "weights" {
			t.Errorf("artifact = %q, %v", data, err)
		}
		assertEmptyDir(t, r.WorkDir)
	})

	t.Run("failure", func(t *testing.T) {
		r := newRunner(t, workertest.Script(t, "printf partial > model.pt\nexit 2"))
		_, err := r.Run(context.Background(), worker.Task{Kind: "train", JobID: "job-broken", Data: []byte("x")}, nil)
		if !errors.Is(err, worker.ErrWorkerFailed) {
			t.Fatalf("err = %v, want ErrWorkerFailed", err)
		}
		assertEmptyDir(t, r.WorkDir)
	})

	t.Run("missing artifact", func(t *testing.T) {
		r := newRunner(t, workertest.Script(t, `echo '{"type":"result","artifact_path":"gone.pt"}'`))
		_, err := r.Run(context.Background(), worker.Task{Kind: "train", JobID: "job-gone", ArtifactDir: t.TempDir()}, nil)
		if !errors.Is(err, worker.ErrWorkerFailed) {
			t.Fatalf("err = %v, want ErrWorkerFailed", err)
		}
		assertEmptyDir(t, r.WorkDir)
	})
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("leftover entry in %s: %s", dir, e.Name())
	}
}

func TestManagerTerminateKillsAfterGrace(t *testing.T) {
	r := newRunner(t, workertest.Script(t, `
trap '' INT
echo '{"type":"progress","step":1}'
exec sleep 30
`))
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		var once bool
		_, err := r.Run(context.Background(), worker.Task{Kind: "train", JobID: "job-stubborn"}, func(worker.Event) {
			if !once {
				once = true
				close(started)
			}
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never reported progress")
	}
	begin := time.Now()
	if err := r.Manager.Terminate("job-stubborn", 200*time.Millisecond); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, worker.ErrWorkerFailed) {
			t.Errorf("err = %v, want ErrWorkerFailed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker ignoring Interrupt was not killed")
	}
	if elapsed := time.Since(begin); elapsed > 8*time.Second {
		t.Errorf("termination took %s", elapsed)
	}
	if ids := r.Manager.Running(); len(ids) != 0 {
		t.Errorf("Running = %v after Terminate", ids)
	}
}
