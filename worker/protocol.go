package worker

import (
	"errors"
	"time"
)

var (
	// ErrWorkerNotFound 表示 worker 命令不在 PATH 中或不可执行。
	ErrWorkerNotFound = errors.New("worker command not found")
	// ErrWorkerFailed 表示 worker 以非零状态退出、报告了错误或没有产出结果。
	ErrWorkerFailed = errors.New("worker failed")
)

// 事件类型，worker 在 stdout 上每行输出一个 JSON 对象。
const (
	EventProgress = "progress"
	EventLog      = "log"
	EventResult   = "result"
	EventError    = "error"
)

// Task 是写入 request.json 交给 worker 的任务描述。
type Task struct {
	Kind       string `json:"kind"` // train, rl, export
	JobID      string `json:"job_id"`
	Framework  string `json:"framework,omitempty"`
	Algorithm  string `json:"algorithm,omitempty"`
	Format     string `json:"format,omitempty"`
	InputPath  string `json:"input_path,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	DataPath   string `json:"data_path,omitempty"` // 由 Runner 填写
	Config     any    `json:"config,omitempty"`

	// Data 是训练数据，Runner 会写入 training_data.bin，不进入 JSON
	Data []byte `json:"-"`
	// ArtifactDir 是产物的最终目录，Runner 在删除任务目录前把产物移到这里
	ArtifactDir string `json:"-"`
}

// Event 是 worker 输出的单条事件。
type Event struct {
	Type         string             `json:"type"`
	Step         int64              `json:"step,omitempty"`
	TotalSteps   int64              `json:"total_steps,omitempty"`
	Message      string             `json:"message,omitempty"`
	ArtifactPath string             `json:"artifact_path,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// Outcome 汇总一次 worker 运行。
type Outcome struct {
	ArtifactPath string
	Metrics      map[string]float64 // 最后一次 progress 与 result 合并后的指标
	Metadata     map[string]any
	Steps        int64
	TotalSteps   int64
	Events       int
	ExitCode     int
	Duration     time.Duration
	TaskDir      string // Runner.KeepTaskDir 为 false 时已被删除
}
