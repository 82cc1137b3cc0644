package rl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ZephyrDeng/forseti-mcp/params"
)

// EnvConfig 描述训练环境。
type EnvConfig struct {
	EnvID           string         `mapstructure:"env_id" json:"env_id"`
	NumEnvs         int            `mapstructure:"num_envs" json:"num_envs"`
	EnvKwargs       map[string]any `mapstructure:"env_kwargs" json:"env_kwargs,omitempty"`
	Seed            *int64         `mapstructure:"seed" json:"seed,omitempty"`
	MaxEpisodeSteps int            `mapstructure:"max_episode_steps" json:"max_episode_steps,omitempty"`
}

// Hyperparameters 是两种库共用的超参数，库特有的键保存在 Extra 中。
type Hyperparameters struct {
	TotalTimesteps int64          `mapstructure:"total_timesteps" json:"total_timesteps"`
	LearningRate   *float64       `mapstructure:"learning_rate" json:"learning_rate,omitempty"` // 未设置时使用库的默认值
	Gamma          float64        `mapstructure:"gamma" json:"gamma"`
	BatchSize      *int           `mapstructure:"batch_size" json:"batch_size,omitempty"`
	Policy         string         `mapstructure:"policy" json:"policy,omitempty"`           // stable-baselines3
	NumWorkers     *int           `mapstructure:"num_workers" json:"num_workers,omitempty"` // RLlib，0 表示只在驱动进程中采样
	Framework      string         `mapstructure:"framework" json:"framework,omitempty"`     // RLlib
	EvalEpisodes   *int           `mapstructure:"eval_episodes" json:"eval_episodes"`
	Extra          map[string]any `mapstructure:",remain" json:"extra,omitempty"`
}

const (
	defaultTimesteps    = 100000
	defaultGamma        = 0.99
	defaultPolicy       = "MlpPolicy"
	defaultRLlibBackend = "torch"
	defaultEvalEpisodes = 10
)

var rllibBackends = []string{"torch", "tf2"}

func parseEnvConfig(raw map[string]any) (*EnvConfig, []error) {
	env := &EnvConfig{NumEnvs: 1}
	if err := params.Decode(raw, env, true); err != nil {
		return nil, []error{fmt.Errorf("env_config: %w", err)}
	}
	var errs []error
	env.EnvID = strings.TrimSpace(env.EnvID)
	if env.EnvID == "" {
		errs = append(errs, errors.New("env_config.env_id is required"))
	}
	if env.NumEnvs <= 0 {
		errs = append(errs, fmt.Errorf("env_config.num_envs must be positive (got %d)", env.NumEnvs))
	}
	if env.MaxEpisodeSteps < 0 {
		errs = append(errs, fmt.Errorf("env_config.max_episode_steps must not be negative (got %d)", env.MaxEpisodeSteps))
	}
	return env, errs
}

func parseHyperparameters(library string, raw map[string]any, rolloutWorkers int) (*Hyperparameters, []error) {
	// 未出现的键保留这里的默认值，显式传入的 0 会被校验拒绝
	hp := &Hyperparameters{TotalTimesteps: defaultTimesteps, Gamma: defaultGamma}
	if err := params.Decode(raw, hp, false); err != nil {
		return nil, []error{fmt.Errorf("hyperparameters: %w", err)}
	}
	var errs []error
	if hp.TotalTimesteps <= 0 {
		errs = append(errs, fmt.Errorf("total_timesteps must be positive (got %d)", hp.TotalTimesteps))
	}
	if hp.LearningRate != nil && *hp.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be positive (got %g)", *hp.LearningRate))
	}
	if hp.Gamma <= 0 || hp.Gamma > 1 {
		errs = append(errs, fmt.Errorf("gamma must be in (0, 1] (got %g)", hp.Gamma))
	}
	if hp.BatchSize != nil && *hp.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive (got %d)", *hp.BatchSize))
	}
	if hp.EvalEpisodes == nil {
		n := defaultEvalEpisodes
		hp.EvalEpisodes = &n
	}
	if *hp.EvalEpisodes < 0 {
		errs = append(errs, fmt.Errorf("eval_episodes must not be negative (got %d)", *hp.EvalEpisodes))
	}

	switch library {
	case StableBaselines3:
		if hp.Policy == "" {
			hp.Policy = defaultPolicy
		}
		if hp.NumWorkers != nil || hp.Framework != "" {
			errs = append(errs, errors.New("num_workers and framework apply to ray_rllib only"))
		}
	case RayRLlib:
		if hp.Policy != "" {
			errs = append(errs, errors.New("policy applies to stable_baselines3 only; configure the RLlib model through extra keys"))
		}
		if hp.NumWorkers == nil {
			n := rolloutWorkers
			hp.NumWorkers = &n
		}
		if *hp.NumWorkers < 0 {
			errs = append(errs, fmt.Errorf("num_workers must not be negative (got %d)", *hp.NumWorkers))
		}
		hp.Framework = params.Normalize(hp.Framework)
		if hp.Framework == "" {
			hp.Framework = defaultRLlibBackend
		}
		if err := params.OneOf("framework", hp.Framework, rllibBackends...); err != nil {
			errs = append(errs, err)
		}
	}
	return hp, errs
}
