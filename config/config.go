// Package config 加载服务的 YAML 配置并填充默认值。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const registryFileName = "registry.json"

// WorkerNames 列出所有需要外部 worker 进程的任务类型。
var WorkerNames = []string{
	"pytorch",
	"tensorflow",
	"jax",
	"stable_baselines3",
	"ray_rllib",
	"onnx",
	"safetensors",
}

// Config 是服务的运行时配置。
type Config struct {
	WorkDir           string              `yaml:"work_dir"`
	OutputDir         string              `yaml:"output_dir"`
	RegistryPath      string              `yaml:"registry_path"`
	Python            string              `yaml:"python"`
	Workers           map[string][]string `yaml:"workers"`
	MaxConcurrentJobs int                 `yaml:"max_concurrent_jobs"`
	JobTimeout        Duration            `yaml:"job_timeout"`
	DefaultTopN       int                 `yaml:"default_top_n"`
	KeepTaskDirs      bool                `yaml:"keep_task_dirs"` // 保留 worker 任务目录，排查 worker 问题时使用

	// registryDerived 表示 RegistryPath 由 OutputDir 推导而来
	registryDerived bool
}

// Duration 允许在 YAML 中使用 "6h"、"90m" 之类的写法。
type Duration struct {
	time.Duration
	set bool
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	d.Duration = v
	d.set = true
	return nil
}

// Overrides 保存命令行提供的值。
type Overrides struct {
	WorkDir           string
	OutputDir         string
	RegistryPath      string
	Python            string
	MaxConcurrentJobs int
	JobTimeout        *time.Duration // nil 表示未设置，0 表示不限制
}

// Default 返回只包含默认值的配置。defaultConcurrency 通常来自 hostinfo。
func Default(defaultConcurrency int) *Config {
	cfg := &Config{MaxConcurrentJobs: defaultConcurrency}
	cfg.fillDefaults()
	return cfg
}

// Load 读取并校验 YAML 配置。defaultConcurrency 用于未设置 max_concurrent_jobs 的情况。
func Load(path string, defaultConcurrency int) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MaxConcurrentJobs == 0 {
		cfg.MaxConcurrentJobs = defaultConcurrency
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides 使用非零的覆盖值更新配置。
func (c *Config) ApplyOverrides(o Overrides) {
	if o.WorkDir != "" {
		c.WorkDir = o.WorkDir
	}
	if o.OutputDir != "" {
		c.OutputDir = o.OutputDir
		if c.registryDerived || c.RegistryPath == "" {
			c.RegistryPath = filepath.Join(c.OutputDir, registryFileName)
			c.registryDerived = true
		}
	}
	if o.RegistryPath != "" {
		c.RegistryPath = o.RegistryPath
		c.registryDerived = false
	}
	if o.Python != "" {
		// 解释器变更后，仍使用默认命令的 worker 需要跟着变
		for name, argv := range c.Workers {
			if len(argv) > 0 && argv[0] == c.Python && isDefaultWorker(name, argv) {
				c.Workers[name] = defaultWorker(o.Python, name)
			}
		}
		c.Python = o.Python
	}
	if o.MaxConcurrentJobs > 0 {
		c.MaxConcurrentJobs = o.MaxConcurrentJobs
	}
	if o.JobTimeout != nil {
		c.JobTimeout = Duration{Duration: *o.JobTimeout, set: true}
	}
}

// Validate 校验配置并补全默认值。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	c.fillDefaults()

	var errs []error
	if c.MaxConcurrentJobs <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_jobs must be > 0 (got %d)", c.MaxConcurrentJobs))
	}
	if c.JobTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("job_timeout must be >= 0 (got %s)", c.JobTimeout.Duration))
	}
	if c.DefaultTopN <= 0 {
		errs = append(errs, fmt.Errorf("default_top_n must be > 0 (got %d)", c.DefaultTopN))
	}
	names := make([]string, 0, len(c.Workers))
	for name := range c.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !knownWorker(name) {
			errs = append(errs, fmt.Errorf("workers: unknown worker %q", name))
			continue
		}
		if len(c.Workers[name]) == 0 || strings.TrimSpace(c.Workers[name][0]) == "" {
			errs = append(errs, fmt.Errorf("workers.%s: command must not be empty", name))
		}
	}
	return errors.Join(errs...)
}

// WorkerCommand 返回指定 worker 的命令行。
func (c *Config) WorkerCommand(name string) []string {
	argv := c.Workers[name]
	out := make([]string, len(argv))
	copy(out, argv)
	return out
}

func (c *Config) fillDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "forseti")
	}
	if c.OutputDir == "" {
		c.OutputDir = "models"
	}
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(c.OutputDir, registryFileName)
		c.registryDerived = true
	}
	if c.Python == "" {
		c.Python = "python3"
	}
	if c.Workers == nil {
		c.Workers = make(map[string][]string, len(WorkerNames))
	}
	for _, name := range WorkerNames {
		if _, ok := c.Workers[name]; !ok {
			c.Workers[name] = defaultWorker(c.Python, name)
		}
	}
	if !c.JobTimeout.set && c.JobTimeout.Duration == 0 {
		c.JobTimeout = Duration{Duration: 6 * time.Hour, set: true}
	}
	if c.DefaultTopN == 0 {
		c.DefaultTopN = 10
	}
}

func defaultWorker(python, name string) []string {
	return []string{python, "-m", "forseti_workers." + name}
}

func isDefaultWorker(name string, argv []string) bool {
	return len(argv) == 3 && argv[1] == "-m" && argv[2] == "forseti_workers."+name
}

func knownWorker(name string) bool {
	for _, n := range WorkerNames {
		if n == name {
			return true
		}
	}
	return false
}
