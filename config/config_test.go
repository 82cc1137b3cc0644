package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ZephyrDeng/forseti-mcp/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forseti.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "# empty\n"), 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentJobs != 3 {
		t.Errorf("MaxConcurrentJobs = %d, want 3", cfg.MaxConcurrentJobs)
	}
	if cfg.Python != "python3" {
		t.Errorf("Python = %q, want python3", cfg.Python)
	}
	if cfg.JobTimeout.Duration != 6*time.Hour {
		t.Errorf("JobTimeout = %s, want 6h", cfg.JobTimeout.Duration)
	}
	if cfg.RegistryPath != filepath.Join("models", "registry.json") {
		t.Errorf("RegistryPath = %q", cfg.RegistryPath)
	}
	for _, name := range config.WorkerNames {
		got := strings.Join(cfg.WorkerCommand(name), " ")
		want := "python3 -m forseti_workers." + name
		if got != want {
			t.Errorf("worker %s = %q, want %q", name, got, want)
		}
	}
}

func TestLoadValues(t *testing.T) {
	body := `
work_dir: /var/lib/forseti
output_dir: /srv/models
python: /opt/venv/bin/python
max_concurrent_jobs: 4
job_timeout: 90m
default_top_n: 5
workers:
  pytorch: ["/opt/workers/torch-worker", "--verbose"]
`
	cfg, err := config.Load(writeConfig(t, body), 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobTimeout.Duration != 90*time.Minute {
		t.Errorf("JobTimeout = %s, want 90m", cfg.JobTimeout.Duration)
	}
	if cfg.RegistryPath != "/srv/models/registry.json" {
		t.Errorf("RegistryPath = %q", cfg.RegistryPath)
	}
	if got := cfg.WorkerCommand("pytorch"); len(got) != 2 || got[0] != "/opt/workers/torch-worker" {
		t.Errorf("pytorch worker = %v", got)
	}
	if got := cfg.WorkerCommand("jax"); got[0] != "/opt/venv/bin/python" {
		t.Errorf("jax worker should use configured python, got %v", got)
	}
}

func TestLoadZeroTimeoutDisables(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "job_timeout: 0s\n"), 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobTimeout.Duration != 0 {
		t.Errorf("JobTimeout = %s, want 0", cfg.JobTimeout.Duration)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "gpu_count: 2\n", "parse config"},
		{"bad duration", "job_timeout: soon\n", "invalid duration"},
		{"unknown worker", "workers:\n  mxnet: [python3]\n", "unknown worker"},
		{"empty worker", "workers:\n  jax: []\n", "command must not be empty"},
		{"negative concurrency", "max_concurrent_jobs: -1\n", "max_concurrent_jobs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body), 1)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	timeout := time.Minute
	cfg := config.Default(2)
	cfg.ApplyOverrides(config.Overrides{
		Python:            "/usr/bin/python3.11",
		MaxConcurrentJobs: 8,
		JobTimeout:        &timeout,
	})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.MaxConcurrentJobs != 8 || cfg.JobTimeout.Duration != time.Minute {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if got := cfg.WorkerCommand("onnx")[0]; got != "/usr/bin/python3.11" {
		t.Errorf("onnx worker interpreter = %q", got)
	}
}

func TestApplyOverridesRegistryFollowsOutputDir(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		overrides config.Overrides
		want      string
	}{
		{
			name:      "default registry moves with output dir",
			overrides: config.Overrides{OutputDir: "/srv/out"},
			want:      filepath.Join("/srv/out", "registry.json"),
		},
		{
			name:      "explicit registry override wins",
			overrides: config.Overrides{OutputDir: "/srv/out", RegistryPath: "/var/lib/forseti/models.json"},
			want:      "/var/lib/forseti/models.json",
		},
		{
			name:      "registry path from file is kept",
			yaml:      "registry_path: /etc/forseti/registry.json\n",
			overrides: config.Overrides{OutputDir: "/srv/out"},
			want:      "/etc/forseti/registry.json",
		},
		{
			name:      "registry derived from file output dir moves",
			yaml:      "output_dir: /data/models\n",
			overrides: config.Overrides{OutputDir: "/srv/out"},
			want:      filepath.Join("/srv/out", "registry.json"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default(1)
			if tt.yaml != "" {
				var err error
				if cfg, err = config.Load(writeConfig(t, tt.yaml), 1); err != nil {
					t.Fatalf("Load: %v", err)
				}
			}
			cfg.ApplyOverrides(tt.overrides)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if cfg.RegistryPath != tt.want {
				t.Errorf("RegistryPath = %q, want %q", cfg.RegistryPath, tt.want)
			}
		})
	}
}

func TestApplyOverridesJobTimeout(t *testing.T) {
	zero := time.Duration(0)
	cfg := config.Default(1)
	cfg.ApplyOverrides(config.Overrides{JobTimeout: &zero})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.JobTimeout.Duration != 0 {
		t.Errorf("JobTimeout = %s, want 0 (disabled)", cfg.JobTimeout.Duration)
	}

	cfg = config.Default(1)
	cfg.ApplyOverrides(config.Overrides{})
	if cfg.JobTimeout.Duration != 6*time.Hour {
		t.Errorf("JobTimeout without override = %s, want 6h", cfg.JobTimeout.Duration)
	}

	negative := -time.Second
	cfg.ApplyOverrides(config.Overrides{JobTimeout: &negative})
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "job_timeout") {
		t.Errorf("Validate error = %v, want job_timeout error", err)
	}
}

func TestLoadKeepTaskDirs(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "keep_task_dirs: true\n"), 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.KeepTaskDirs {
		t.Error("KeepTaskDirs = false, want true")
	}
	if config.Default(1).KeepTaskDirs {
		t.Error("task directories should be removed by default")
	}
}
