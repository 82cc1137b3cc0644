// Package rl 将强化学习智能体的训练分派给 stable-baselines3 或 Ray RLlib 的 worker 进程。
package rl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ZephyrDeng/forseti-mcp/hostinfo"
	"github.com/ZephyrDeng/forseti-mcp/registry"
	"github.com/ZephyrDeng/forseti-mcp/worker"
)

// ErrUnsupportedAlgorithm 表示算法不被所选的库支持。
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// 支持的库，同时也是 worker 名称
const (
	StableBaselines3 = "stable_baselines3"
	RayRLlib         = "ray_rllib"
)

// Libraries 列出支持的库。
var Libraries = []string{StableBaselines3, RayRLlib}

// 每个库支持的算法（规范名称）
var algorithms = map[string][]string{
	StableBaselines3: {"A2C", "DDPG", "DQN", "PPO", "SAC", "TD3"},
	RayRLlib:         {"PPO", "APPO", "IMPALA", "DQN", "SAC", "BC", "MARWIL", "CQL", "DreamerV3"},
}

// 只能用于连续或离散动作空间的算法
var actionSpaces = map[string]string{
	"DDPG": "continuous",
	"SAC":  "continuous",
	"TD3":  "continuous",
	"DQN":  "discrete",
}

// Algorithms 返回 library 支持的算法。
func Algorithms(library string) []string {
	return append([]string(nil), algorithms[library]...)
}

// CanonicalAlgorithm 不区分大小写地匹配算法名称并返回规范写法。
func CanonicalAlgorithm(library, name string) (string, error) {
	supported, ok := algorithms[library]
	if !ok {
		return "", fmt.Errorf("unknown library %q (expected %s)", library, strings.Join(Libraries, " or "))
	}
	for _, a := range supported {
		if strings.EqualFold(a, strings.TrimSpace(name)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %s does not provide %q (supported: %s)", ErrUnsupportedAlgorithm, library, name, strings.Join(supported, ", "))
}

// StatusCompleted 是成功训练的结果状态。
const StatusCompleted = "completed"

// Result 是一次智能体训练的结果。
type Result struct {
	AgentID         string             `json:"agent_id"`
	Library         string             `json:"library"`
	Algorithm       string             `json:"algorithm"`
	Status          string             `json:"status"`
	ArtifactPath    string             `json:"artifact_path"`
	MeanReward      float64            `json:"mean_reward"`
	StdReward       float64            `json:"std_reward"`
	Timesteps       int64              `json:"timesteps"`
	Metrics         map[string]float64 `json:"metrics"`
	DurationSeconds float64            `json:"duration_seconds"`
	Metadata        map[string]any     `json:"metadata"`
}

// Request 描述一次智能体训练。
type Request struct {
	Library         string
	Algorithm       string
	EnvConfig       map[string]any
	Hyperparameters map[string]any
	JobID           string // 为空时自动生成

	OnEvent func(worker.Event)
}

// requestConfig 是写入 request.json 的 config 字段。
type requestConfig struct {
	Env             *EnvConfig       `json:"env"`
	Hyperparameters *Hyperparameters `json:"hyperparameters"`
	ActionSpace     string           `json:"action_space,omitempty"`
}

// Trainer 持有每个库的 worker。
type Trainer struct {
	Runners   map[string]*worker.Runner // 以库名称为键
	Registry  *registry.Registry        // 可为 nil
	OutputDir string
	Host      hostinfo.Info
}

// TrainStableBaselines3Agent 使用 stable-baselines3 训练智能体。
func (t *Trainer) TrainStableBaselines3Agent(ctx context.Context, algorithm string, envConfig, hyperparameters map[string]any) (*Result, error) {
	return t.Train(ctx, Request{Library: StableBaselines3, Algorithm: algorithm, EnvConfig: envConfig, Hyperparameters: hyperparameters})
}

// TrainRayRLlibAgent 使用 Ray RLlib 训练智能体。
func (t *Trainer) TrainRayRLlibAgent(ctx context.Context, algorithm string, envConfig, hyperparameters map[string]any) (*Result, error) {
	return t.Train(ctx, Request{Library: RayRLlib, Algorithm: algorithm, EnvConfig: envConfig, Hyperparameters: hyperparameters})
}

// Train 校验参数，运行 worker 并登记训练好的智能体。
func (t *Trainer) Train(ctx context.Context, req Request) (*Result, error) {
	algorithm, err := CanonicalAlgorithm(req.Library, req.Algorithm)
	if err != nil {
		return nil, err
	}
	env, errs := parseEnvConfig(req.EnvConfig)
	hp, hpErrs := parseHyperparameters(req.Library, req.Hyperparameters, t.Host.DefaultRolloutWorkers())
	errs = append(errs, hpErrs...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid %s %s request: %w", req.Library, algorithm, errors.Join(errs...))
	}
	runner := t.Runners[req.Library]
	if runner == nil {
		return nil, fmt.Errorf("%w: no %s worker configured", worker.ErrWorkerNotFound, req.Library)
	}

	agentID := uuid.NewString()
	jobID := req.JobID
	if jobID == "" {
		jobID = agentID
	}
	root := t.OutputDir
	if root == "" {
		root = "models"
	}
	outputDir, err := filepath.Abs(filepath.Join(root, agentID))
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}

	log.Printf("Training %s %s agent on %s (%d timesteps, job: %s)", req.Library, algorithm, env.EnvID, hp.TotalTimesteps, jobID)
	outcome, err := runner.Run(ctx, worker.Task{
		Kind:        "rl",
		JobID:       jobID,
		Framework:   req.Library,
		Algorithm:   algorithm,
		OutputPath:  outputDir,
		ArtifactDir: outputDir,
		Config: requestConfig{
			Env:             env,
			Hyperparameters: hp,
			ActionSpace:     actionSpaces[algorithm],
		},
	}, req.OnEvent)
	if err != nil {
		return nil, err
	}

	artifact := outcome.ArtifactPath
	if artifact == "" {
		return nil, fmt.Errorf("%w: %s worker reported no artifact", worker.ErrWorkerFailed, req.Library)
	}

	timesteps := hp.TotalTimesteps
	if v, ok := outcome.Metrics["timesteps"]; ok {
		timesteps = int64(v)
	} else if outcome.Steps > 0 {
		timesteps = outcome.Steps
	}

	metadata := map[string]any{
		"env_id":   env.EnvID,
		"num_envs": env.NumEnvs,
		"job_id":   jobID,
	}
	if space := actionSpaces[algorithm]; space != "" {
		metadata["action_space"] = space
	}
	if req.Library == RayRLlib {
		metadata["num_workers"] = *hp.NumWorkers
		metadata["framework"] = hp.Framework
	} else {
		metadata["policy"] = hp.Policy
	}
	for k, v := range outcome.Metadata {
		metadata["worker."+k] = v
	}
	for k, v := range t.Host.Metadata() {
		metadata[k] = v
	}

	result := &Result{
		AgentID:         agentID,
		Library:         req.Library,
		Algorithm:       algorithm,
		Status:          StatusCompleted,
		ArtifactPath:    artifact,
		MeanReward:      outcome.Metrics["mean_reward"],
		StdReward:       outcome.Metrics["std_reward"],
		Timesteps:       timesteps,
		Metrics:         outcome.Metrics,
		DurationSeconds: outcome.Duration.Seconds(),
		Metadata:        metadata,
	}

	if t.Registry != nil {
		if _, err := t.Registry.Register(registry.Entry{
			ID:        agentID,
			Kind:      registry.KindAgent,
			Name:      algorithm + "/" + env.EnvID,
			Framework: req.Library,
			Format:    strings.TrimPrefix(filepath.Ext(artifact), "."),
			Path:      artifact,
			JobID:     jobID,
			Metrics:   outcome.Metrics,
			Metadata: map[string]string{
				"algorithm": algorithm,
				"env_id":    env.EnvID,
				"timesteps": strconv.FormatInt(timesteps, 10),
			},
		}); err != nil {
			log.Printf("Warning: failed to register agent %s: %v", agentID, err)
		}
	}
	log.Printf("Trained %s %s agent %s in %s (mean reward %.2f ± %.2f)", req.Library, algorithm, agentID, outcome.Duration.Round(time.Millisecond), result.MeanReward, result.StdReward)
	return result, nil
}
