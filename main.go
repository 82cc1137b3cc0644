package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ZephyrDeng/forseti-mcp/config"
	"github.com/ZephyrDeng/forseti-mcp/export"
	"github.com/ZephyrDeng/forseti-mcp/hostinfo"
	"github.com/ZephyrDeng/forseti-mcp/inference"
	"github.com/ZephyrDeng/forseti-mcp/jobs"
	"github.com/ZephyrDeng/forseti-mcp/registry"
	"github.com/ZephyrDeng/forseti-mcp/rl"
	"github.com/ZephyrDeng/forseti-mcp/training"
	"github.com/ZephyrDeng/forseti-mcp/worker"
)

const (
	serverName    = "Forseti"
	serverVersion = "0.1.0"
	jobURIPrefix  = "forseti://jobs/"
	shutdownGrace = 15 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML 配置文件路径（可选）")
		overrides  config.Overrides
	)
	flag.StringVar(&overrides.WorkDir, "work-dir", "", "worker 任务目录的根目录")
	flag.StringVar(&overrides.OutputDir, "output-dir", "", "训练产物的默认目录")
	flag.StringVar(&overrides.RegistryPath, "registry", "", "模型注册表 JSON 文件路径")
	flag.StringVar(&overrides.Python, "python", "", "运行默认 worker 的 Python 解释器")
	flag.IntVar(&overrides.MaxConcurrentJobs, "max-jobs", 0, "同时运行的任务数上限")
	jobTimeout := flag.Duration("job-timeout", 0, "单个任务的最长运行时间，0 表示不限制")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "job-timeout" {
			overrides.JobTimeout = jobTimeout
		}
	})

	// 1. 探测主机并加载配置
	host := hostinfo.Detect()
	log.Printf("Host: %s, %s (%d physical / %d logical cores, features: %v)", host.Brand, host.Arch, host.PhysicalCores, host.LogicalCores, host.Features)

	cfg := config.Default(host.DefaultConcurrency())
	if *configPath != "" {
		loaded, err := config.Load(*configPath, host.DefaultConcurrency())
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// 2. 组装注册表、任务管理器与 worker
	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("Registry error: %v", err)
	}
	jobManager := jobs.NewManager(cfg.MaxConcurrentJobs, cfg.JobTimeout.Duration)
	workerManager := worker.NewManager()
	runners := make(map[string]*worker.Runner, len(config.WorkerNames))
	for _, name := range config.WorkerNames {
		runners[name] = &worker.Runner{
			Name:        name,
			Command:     cfg.WorkerCommand(name),
			WorkDir:     cfg.WorkDir,
			Manager:     workerManager,
			KeepTaskDir: cfg.KeepTaskDirs,
		}
	}
	log.Printf("Workers under %s, outputs under %s, registry %s, up to %d concurrent jobs", cfg.WorkDir, cfg.OutputDir, cfg.RegistryPath, cfg.MaxConcurrentJobs)

	svc := &service{
		jobs:     jobManager,
		registry: reg,
		trainer: &training.Trainer{
			Runners:   runners,
			Registry:  reg,
			OutputDir: cfg.OutputDir,
			Host:      host,
		},
		agents: &rl.Trainer{
			Runners:   runners,
			Registry:  reg,
			OutputDir: cfg.OutputDir,
			Host:      host,
		},
		exporter: &export.Exporter{
			ONNX:        runners["onnx"],
			SafeTensors: runners["safetensors"],
			Registry:    reg,
			TopN:        cfg.DefaultTopN,
		},
		inference: &inference.Engine{
			Runners:  runners,
			Registry: reg,
		},
	}

	// 3. 初始化 MCP 服务器并注册工具与资源
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithResourceCapabilities(false, false),
		server.WithLogging(),
		server.WithRecovery(),
	)
	registerTools(mcpServer, svc)

	// 4. 设置信号处理程序，退出时取消任务并终止 worker
	shutdown := setupSignalHandler(jobManager, workerManager, shutdownGrace)

	log.Printf("Starting %s MCP server via stdio...", serverName)
	err = server.ServeStdio(mcpServer)
	shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server error: %v", err)
	}
}

// registerTools 定义所有工具与资源并绑定到 svc 的处理器。
func registerTools(s *server.MCPServer, svc *service) {
	trainTool := mcp.NewTool("train_model",
		mcp.WithDescription("使用 PyTorch、TensorFlow 或 JAX worker 训练模型。默认异步执行并返回任务 ID，wait=true 时等待训练完成并返回结果。"),
		mcp.WithString("framework",
			mcp.Description("训练框架。"),
			mcp.Required(),
			mcp.Enum(training.Frameworks...),
		),
		mcp.WithObject("config",
			mcp.Description("训练配置：model_type（必填）、epochs、batch_size、learning_rate、optimizer、loss、device、seed、validation_split、data_format 等，其余键原样传给 worker。"),
			mcp.Required(),
		),
		mcp.WithString("training_data",
			mcp.Description("Base64 编码的训练数据（csv、jsonl、npy、npz、parquet 等）。与 training_data_uri 二选一。"),
		),
		mcp.WithString("training_data_uri",
			mcp.Description("训练数据的位置（本地路径、'file://'、'http://' 或 'https://'）。"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("是否等待训练完成。"),
			mcp.DefaultBool(false),
		),
	)

	fineTuneTool := mcp.NewTool("fine_tune_model",
		mcp.WithDescription("从已有模型继续训练。base_model 可以是注册表中的模型 ID 或 checkpoint 路径。"),
		mcp.WithString("framework",
			mcp.Description("训练框架。"),
			mcp.Required(),
			mcp.Enum(training.Frameworks...),
		),
		mcp.WithString("base_model",
			mcp.Description("注册表中的模型 ID 或 checkpoint 路径。"),
			mcp.Required(),
		),
		mcp.WithObject("config",
			mcp.Description("训练配置，与 train_model 相同。"),
			mcp.Required(),
		),
		mcp.WithString("training_data",
			mcp.Description("Base64 编码的训练数据。与 training_data_uri 二选一。"),
		),
		mcp.WithString("training_data_uri",
			mcp.Description("训练数据的位置（本地路径、'file://'、'http://' 或 'https://'）。"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("是否等待训练完成。"),
			mcp.DefaultBool(false),
		),
	)

	rlTool := mcp.NewTool("train_rl_agent",
		mcp.WithDescription("使用 stable-baselines3 或 Ray RLlib 训练强化学习智能体。算法名称不区分大小写。"),
		mcp.WithString("library",
			mcp.Description("强化学习库。"),
			mcp.Required(),
			mcp.Enum(rl.Libraries...),
		),
		mcp.WithString("algorithm",
			mcp.Description("算法，例如 PPO、DQN、SAC（stable_baselines3: A2C, DDPG, DQN, PPO, SAC, TD3；ray_rllib: PPO, APPO, IMPALA, DQN, SAC, BC, MARWIL, CQL, DreamerV3）。"),
			mcp.Required(),
		),
		mcp.WithObject("env_config",
			mcp.Description("环境配置：env_id（必填）、num_envs、env_kwargs、seed、max_episode_steps。"),
			mcp.Required(),
		),
		mcp.WithObject("hyperparameters",
			mcp.Description("超参数：total_timesteps、learning_rate、gamma、batch_size、policy（SB3）、num_workers 与 framework（RLlib）、eval_episodes，其余键原样传给 worker。"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("是否等待训练完成。"),
			mcp.DefaultBool(false),
		),
	)

	exportTool := mcp.NewTool("export_model",
		mcp.WithDescription("将模型导出为 GGUF、ONNX 或 SafeTensors。GGUF 与 SafeTensors 之间的转换在进程内完成，框架 checkpoint 交给 worker。"),
		mcp.WithString("format",
			mcp.Description("目标格式。"),
			mcp.Required(),
			mcp.Enum(export.Formats...),
		),
		mcp.WithString("model_path",
			mcp.Description("源模型的位置（本地路径、'file://'、'http://' 或 'https://'），可以是 safetensors 分片目录。"),
			mcp.Required(),
		),
		mcp.WithString("output_path",
			mcp.Description("输出文件路径，目录不存在时会被创建。"),
			mcp.Required(),
		),
		mcp.WithObject("options",
			mcp.Description("格式选项。通用：overwrite、profile。gguf：architecture、name、outtype（f32|f16|bf16|q8_0）、metadata、alignment。safetensors：dtype、metadata、dequantize、framework。onnx：framework、opset、input_shape、dynamic_batch。"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("是否等待导出完成。"),
			mcp.DefaultBool(false),
		),
	)

	inferenceTool := mcp.NewTool("run_inference",
		mcp.WithDescription("使用注册表中的模型运行推理，等待 worker 返回输出。GGUF 产物不支持。"),
		mcp.WithString("model_id",
			mcp.Description("模型、智能体或导出产物的 ID。"),
			mcp.Required(),
		),
		mcp.WithString("input",
			mcp.Description("模型输入。合法的 JSON 会被解码后交给 worker，否则按纯文本处理。"),
			mcp.Required(),
		),
		mcp.WithObject("options",
			mcp.Description("原样传给 worker 的推理选项，例如 device、batch_size、deterministic。"),
		),
	)

	jobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("查询任务的状态、进度与结果。"),
		mcp.WithString("job_id",
			mcp.Description("train_model、fine_tune_model、train_rl_agent、export_model 或 run_inference 创建的任务 ID。"),
			mcp.Required(),
		),
	)

	listJobsTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("列出任务，最新的在前。"),
		mcp.WithString("kind",
			mcp.Description("只返回该类型的任务。"),
			mcp.Enum(kindTrain, kindFineTune, kindRL, kindExport, kindInference),
		),
		mcp.WithString("state",
			mcp.Description("只返回该状态的任务。"),
			mcp.Enum(string(jobs.StatePending), string(jobs.StateRunning), string(jobs.StateSucceeded), string(jobs.StateFailed), string(jobs.StateCancelled)),
		),
	)

	cancelTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("取消尚未结束的任务并中断其 worker。"),
		mcp.WithString("job_id",
			mcp.Description("要取消的任务 ID。"),
			mcp.Required(),
		),
	)

	listModelsTool := mcp.NewTool("list_models",
		mcp.WithDescription("列出注册表中的模型、智能体与导出产物，最新的在前。"),
		mcp.WithString("kind",
			mcp.Description("产物类型。"),
			mcp.Enum(registry.KindModel, registry.KindAgent, registry.KindExport),
		),
		mcp.WithString("framework",
			mcp.Description("只返回该框架或库的产物。"),
		),
		mcp.WithString("format",
			mcp.Description("只返回该格式的产物，例如 gguf、onnx、pt。"),
		),
	)

	modelStatusTool := mcp.NewTool("get_model_status",
		mcp.WithDescription("查询注册表中的一条记录，并检查其产物是否仍然存在。"),
		mcp.WithString("model_id",
			mcp.Description("模型、智能体或导出产物的 ID。"),
			mcp.Required(),
		),
	)

	deleteModelTool := mcp.NewTool("delete_model",
		mcp.WithDescription("从注册表删除一条记录，可选同时删除其产物。"),
		mcp.WithString("model_id",
			mcp.Description("要删除的模型、智能体或导出产物的 ID。"),
			mcp.Required(),
		),
		mcp.WithBoolean("delete_artifact",
			mcp.Description("是否同时删除模型文件或目录。"),
			mcp.DefaultBool(false),
		),
	)

	s.AddTool(trainTool, svc.handleTrainModel)
	s.AddTool(fineTuneTool, svc.handleFineTuneModel)
	s.AddTool(rlTool, svc.handleTrainRLAgent)
	s.AddTool(exportTool, svc.handleExportModel)
	s.AddTool(inferenceTool, svc.handleRunInference)
	s.AddTool(jobStatusTool, svc.handleGetJobStatus)
	s.AddTool(listJobsTool, svc.handleListJobs)
	s.AddTool(cancelTool, svc.handleCancelJob)
	s.AddTool(listModelsTool, svc.handleListModels)
	s.AddTool(modelStatusTool, svc.handleGetModelStatus)
	s.AddTool(deleteModelTool, svc.handleDeleteModel)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(jobURIPrefix+"{id}", "Job",
			mcp.WithTemplateDescription("任务的 JSON 快照（状态、进度、结果）。"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		svc.handleReadJob,
	)
	s.AddResource(
		mcp.NewResource("forseti://models", "Model registry",
			mcp.WithResourceDescription("注册表中所有产物的 JSON 列表。"),
			mcp.WithMIMEType("application/json"),
		),
		svc.handleReadModels,
	)
}
