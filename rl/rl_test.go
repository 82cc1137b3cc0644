package rl_test

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
	"github.com/ZephyrDeng/forseti-mcp/rl"
	"github.com/ZephyrDeng/forseti-mcp/worker"
	"github.com/ZephyrDeng/forseti-mcp/worker/workertest"
)

// agentWorker 报告评估奖励并保存一个 zip 格式的智能体。
const agentWorker = `
echo '{"type":"progress","step":5000,"total_steps":10000,"metrics":{"ep_rew_mean":80}}'
echo '{"type":"progress","step":10000,"total_steps":10000,"metrics":{"ep_rew_mean":195}}'
printf 'PK' > agent.zip
echo '{"type":"result","artifact_path":"agent.zip","metrics":{"mean_reward":200.5,"std_reward":3.25,"timesteps":10240}}'
`

func newTrainer(t *testing.T, body string) (*rl.Trainer, *registry.Registry, string) {
	t.Helper()
	reg, err := registry.Open("")
	if err != nil {
		t.Fatal(err)
	}
	command := workertest.Script(t, body)
	workDir := t.TempDir()
	runners := map[string]*worker.Runner{}
	for _, lib := range rl.Libraries {
		// 保留任务目录以便检查 request.json
		runners[lib] = &worker.Runner{Name: lib, Command: command, WorkDir: workDir, GracePeriod: time.Second, KeepTaskDir: true}
	}
	return &rl.Trainer{
		Runners:   runners,
		Registry:  reg,
		OutputDir: t.TempDir(),
		Host:      hostinfo.Info{Arch: "arm64", PhysicalCores: 8},
	}, reg, workDir
}

type sentRequest struct {
	Algorithm string `json:"algorithm"`
	Config    struct {
		Env             rl.EnvConfig       `json:"env"`
		Hyperparameters rl.Hyperparameters `json:"hyperparameters"`
		ActionSpace     string             `json:"action_space"`
	} `json:"config"`
}

func readRequest(t *testing.T, workDir, jobID string) sentRequest {
	t.Helper()
	body, err := os.ReadFile(filepath.Join(workDir, jobID, "request.json"))
	if err != nil {
		t.Fatal(err)
	}
	var req sentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestTrainStableBaselines3Agent(t *testing.T) {
	trainer, reg, workDir := newTrainer(t, agentWorker)

	result, err := trainer.TrainStableBaselines3Agent(context.Background(), "ppo",
		map[string]any{"env_id": "CartPole-v1", "num_envs": 4},
		map[string]any{"total_timesteps": 10000, "n_steps": 256})
	if err != nil {
		t.Fatalf("TrainStableBaselines3Agent: %v", err)
	}

	if result.Algorithm != "PPO" || result.Library != rl.StableBaselines3 || result.Status != rl.StatusCompleted {
		t.Errorf("result = %+v", result)
	}
	if result.MeanReward != 200.5 || result.StdReward != 3.25 || result.Timesteps != 10240 {
		t.Errorf("reward %v ± %v over %d steps", result.MeanReward, result.StdReward, result.Timesteps)
	}
	if result.Metadata["policy"] != "MlpPolicy" || result.Metadata["env_id"] != "CartPole-v1" {
		t.Errorf("metadata = %v", result.Metadata)
	}
	if filepath.Base(result.ArtifactPath) != "agent.zip" {
		t.Errorf("artifact = %s", result.ArtifactPath)
	}

	entry, err := reg.Get(result.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Kind != registry.KindAgent || entry.Name != "PPO/CartPole-v1" || entry.Format != "zip" {
		t.Errorf("entry = %+v", entry)
	}

	req := readRequest(t, workDir, result.AgentID)
	if req.Algorithm != "PPO" || req.Config.Env.NumEnvs != 4 || req.Config.Hyperparameters.Gamma != 0.99 {
		t.Errorf("request = %+v", req)
	}
	if req.Config.Hyperparameters.Extra["n_steps"] == nil {
		t.Errorf("library specific hyperparameters not passed through: %+v", req.Config.Hyperparameters.Extra)
	}
	if *req.Config.Hyperparameters.EvalEpisodes != 10 {
		t.Errorf("eval_episodes = %d, want 10", *req.Config.Hyperparameters.EvalEpisodes)
	}
}

func TestTrainRayRLlibAgent(t *testing.T) {
	trainer, _, workDir := newTrainer(t, agentWorker)

	result, err := trainer.TrainRayRLlibAgent(context.Background(), "sac",
		map[string]any{"env_id": "Pendulum-v1"},
		map[string]any{"framework": "TF2", "eval_episodes": 0})
	if err != nil {
		t.Fatalf("TrainRayRLlibAgent: %v", err)
	}
	if result.Algorithm != "SAC" || result.Metadata["num_workers"] != 7 || result.Metadata["action_space"] != "continuous" {
		t.Errorf("result = %+v", result)
	}

	req := readRequest(t, workDir, result.AgentID)
	hp := req.Config.Hyperparameters
	if hp.Framework != "tf2" || *hp.NumWorkers != 7 || hp.TotalTimesteps != 100000 || *hp.EvalEpisodes != 0 {
		t.Errorf("hyperparameters = %+v", hp)
	}
	if req.Config.ActionSpace != "continuous" {
		t.Errorf("action_space = %q", req.Config.ActionSpace)
	}
}

func TestCanonicalAlgorithm(t *testing.T) {
	tests := []struct {
		library, in, want string
		ok                bool
	}{
		{rl.StableBaselines3, "td3", "TD3", true},
		{rl.StableBaselines3, " a2c ", "A2C", true},
		{rl.StableBaselines3, "IMPALA", "", false},
		{rl.RayRLlib, "dreamerv3", "DreamerV3", true},
		{rl.RayRLlib, "TD3", "", false},
		{"keras-rl", "DQN", "", false},
	}
	for _, tc := range tests {
		got, err := rl.CanonicalAlgorithm(tc.library, tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("CanonicalAlgorithm(%s, %q) = %q, %v", tc.library, tc.in, got, err)
		}
	}
	if _, err := rl.CanonicalAlgorithm(rl.RayRLlib, "TD3"); !errors.Is(err, rl.ErrUnsupportedAlgorithm) {
		t.Errorf("error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestTrainValidation(t *testing.T) {
	trainer, _, _ := newTrainer(t, agentWorker)
	ctx := context.Background()

	tests := []struct {
		name string
		req  rl.Request
		want []string
	}{
		{
			"missing env id",
			rl.Request{Library: rl.StableBaselines3, Algorithm: "PPO", EnvConfig: map[string]any{}},
			[]string{"env_id is required"},
		},
		{
			"unknown env key",
			rl.Request{Library: rl.StableBaselines3, Algorithm: "PPO", EnvConfig: map[string]any{"env_id": "x", "render": true}},
			[]string{"render"},
		},
		{
			"several errors",
			rl.Request{
				Library:         rl.RayRLlib,
				Algorithm:       "APPO",
				EnvConfig:       map[string]any{"env_id": "x", "num_envs": -2},
				Hyperparameters: map[string]any{"gamma": 1.5, "framework": "jax", "policy": "CnnPolicy", "total_timesteps": -1},
			},
			[]string{"num_envs", "gamma", "framework", "policy", "total_timesteps"},
		},
		{
			"explicit zero values",
			rl.Request{
				Library:         rl.StableBaselines3,
				Algorithm:       "PPO",
				EnvConfig:       map[string]any{"env_id": "x", "num_envs": 0},
				Hyperparameters: map[string]any{"gamma": 0, "total_timesteps": 0, "learning_rate": 0, "batch_size": 0},
			},
			[]string{"num_envs", "gamma", "total_timesteps", "learning_rate", "batch_size"},
		},
		{
			"zero values as strings",
			rl.Request{
				Library:         rl.RayRLlib,
				Algorithm:       "PPO",
				EnvConfig:       map[string]any{"env_id": "x"},
				Hyperparameters: map[string]any{"gamma": "0", "learning_rate": "-0.1", "num_workers": -1},
			},
			[]string{"gamma", "learning_rate", "num_workers"},
		},
		{
			"rllib keys on sb3",
			rl.Request{Library: rl.StableBaselines3, Algorithm: "DQN", EnvConfig: map[string]any{"env_id": "x"}, Hyperparameters: map[string]any{"num_workers": 4}},
			[]string{"ray_rllib only"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := trainer.Train(ctx, tc.req)
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
}

func TestTrainRayRLlibLocalWorkerOnly(t *testing.T) {
	trainer, _, workDir := newTrainer(t, agentWorker)

	result, err := trainer.TrainRayRLlibAgent(context.Background(), "ppo",
		map[string]any{"env_id": "CartPole-v1"},
		map[string]any{"num_workers": 0, "learning_rate": 5e-5, "batch_size": 4000})
	if err != nil {
		t.Fatalf("TrainRayRLlibAgent: %v", err)
	}
	if result.Metadata["num_workers"] != 0 {
		t.Errorf("num_workers = %v, want 0", result.Metadata["num_workers"])
	}
	hp := readRequest(t, workDir, result.AgentID).Config.Hyperparameters
	if hp.NumWorkers == nil || *hp.NumWorkers != 0 {
		t.Errorf("num_workers sent to worker = %v, want 0", hp.NumWorkers)
	}
	if hp.LearningRate == nil || *hp.LearningRate != 5e-5 || hp.BatchSize == nil || *hp.BatchSize != 4000 {
		t.Errorf("hyperparameters = %+v", hp)
	}
}

func TestTrainNoArtifact(t *testing.T) {
	trainer, reg, _ := newTrainer(t, `echo '{"type":"result","metrics":{"mean_reward":1}}'`)
	_, err := trainer.TrainStableBaselines3Agent(context.Background(), "A2C", map[string]any{"env_id": "CartPole-v1"}, nil)
	if !errors.Is(err, worker.ErrWorkerFailed) {
		t.Errorf("error = %v, want ErrWorkerFailed", err)
	}
	if n := len(reg.List(registry.Filter{})); n != 0 {
		t.Errorf("registry has %d entries", n)
	}
}
