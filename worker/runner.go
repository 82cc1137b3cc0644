// Package worker 运行框架 worker 子进程（PyTorch、TensorFlow、JAX、SB3、RLlib 等），
// 通过 request.json 传入任务，并从 stdout 读取逐行 JSON 事件。
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	requestFileName = "request.json"
	dataFileName    = "training_data.bin"
	stderrTailLines = 20
	maxEventLine    = 4 << 20
)

// Runner 启动单个 worker 命令。
type Runner struct {
	Name        string   // 用于日志，例如 "pytorch"
	Command     []string // worker 命令，Runner 会追加 "--request <path>"
	WorkDir     string   // 每个任务在其下创建 <job_id>/ 子目录
	Env         []string // 追加到当前进程环境变量之后
	Manager     *Manager
	GracePeriod time.Duration // 取消后等待 worker 自行退出的时间，默认 10s
	KeepTaskDir bool          // 为 true 时 Run 返回后保留任务目录
}

// Run 写入任务文件，启动 worker 并等待其退出。onEvent 可为 nil。
// 设置了 task.ArtifactDir 时，成功运行的产物会被移入该目录。
// 除非设置了 KeepTaskDir，任务目录在 Run 返回前删除，无论成功与否。
func (r *Runner) Run(ctx context.Context, task Task, onEvent func(Event)) (*Outcome, error) {
	if len(r.Command) == 0 || r.Command[0] == "" {
		return nil, fmt.Errorf("%w: empty command for %s worker", ErrWorkerNotFound, r.Name)
	}
	if task.JobID == "" {
		return nil, errors.New("task has no job id")
	}
	executable, err := exec.LookPath(r.Command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s worker '%s': %v", ErrWorkerNotFound, r.Name, r.Command[0], err)
	}

	taskDir, requestPath, err := r.prepare(&task)
	if !r.KeepTaskDir && taskDir != "" {
		defer r.removeTaskDir(task.JobID, taskDir)
	}
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, r.Command[1:]...), "--request", requestPath)
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Dir = taskDir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env, "FORSETI_JOB_ID="+task.JobID, "FORSETI_WORK_DIR="+taskDir)
	// 取消时先发送 Interrupt，让 worker 有机会保存检查点
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = r.grace()

	// 使用 io.Pipe 让 exec 负责拷贝，WaitDelay 可在子孙进程占用管道时结束等待
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log.Printf("[job %s] Starting %s worker: %s %s", task.JobID, r.Name, executable, strings.Join(args, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", r.Name, err)
	}
	if r.Manager != nil {
		if err := r.Manager.add(task.JobID, cmd.Process); err != nil {
			stdoutR.Close()
			stderrR.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, err
		}
		defer r.Manager.remove(task.JobID)
	}

	tail := newLineRing(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrR)
		scanner.Buffer(make([]byte, 64*1024), maxEventLine)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			log.Printf("[job %s] %s", task.JobID, line)
		}
		_, _ = io.Copy(io.Discard, stderrR)
	}()

	outcome := &Outcome{TaskDir: taskDir, Metrics: map[string]float64{}, Metadata: map[string]any{}}
	var gotResult bool
	var workerErr string
	wg.Add(1)
	go func() {
		defer wg.Done()
		gotResult, workerErr = consumeEvents(stdoutR, task.JobID, outcome, onEvent)
		_, _ = io.Copy(io.Discard, stdoutR)
	}()

	waitErr := cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		log.Printf("[job %s] Warning: worker output still open after exit, closed after %s", task.JobID, r.grace())
		waitErr = nil
	}
	outcome.Duration = time.Since(start)
	if cmd.ProcessState != nil {
		outcome.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Printf("[job %s] %s worker stopped: %v", task.JobID, r.Name, ctxErr)
		return outcome, fmt.Errorf("%s worker cancelled: %w", r.Name, ctxErr)
	}
	if workerErr != "" {
		return outcome, fmt.Errorf("%w: %s worker reported: %s%s", ErrWorkerFailed, r.Name, workerErr, tail.suffix())
	}
	if waitErr != nil {
		return outcome, fmt.Errorf("%w: %s worker exited with code %d: %v%s", ErrWorkerFailed, r.Name, outcome.ExitCode, waitErr, tail.suffix())
	}
	if !gotResult {
		return outcome, fmt.Errorf("%w: %s worker exited without a result event%s", ErrWorkerFailed, r.Name, tail.suffix())
	}

	if outcome.ArtifactPath != "" && !filepath.IsAbs(outcome.ArtifactPath) {
		outcome.ArtifactPath = filepath.Join(taskDir, outcome.ArtifactPath)
	}
	if outcome.ArtifactPath != "" && task.ArtifactDir != "" {
		moved, err := MoveArtifact(outcome.ArtifactPath, task.ArtifactDir)
		if err != nil {
			return outcome, fmt.Errorf("%w: %s worker: %v", ErrWorkerFailed, r.Name, err)
		}
		outcome.ArtifactPath = moved
	}

	log.Printf("[job %s] %s worker finished in %s (%d events)", task.JobID, r.Name, outcome.Duration.Round(time.Millisecond), outcome.Events)
	return outcome, nil
}

func (r *Runner) removeTaskDir(jobID, taskDir string) {
	if err := os.RemoveAll(taskDir); err != nil {
		log.Printf("[job %s] Warning: failed to remove task dir '%s': %v", jobID, taskDir, err)
	}
}

func (r *Runner) grace() time.Duration {
	if r.GracePeriod > 0 {
		return r.GracePeriod
	}
	return 10 * time.Second
}

// prepare 创建任务目录，写入训练数据与 request.json。
func (r *Runner) prepare(task *Task) (taskDir, requestPath string, err error) {
	root := r.WorkDir
	if root == "" {
		root = filepath.Join(os.TempDir(), "forseti")
	}
	dir, err := filepath.Abs(filepath.Join(root, task.JobID))
	if err != nil {
		return "", "", fmt.Errorf("resolve task dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create task dir '%s': %w", dir, err)
	}
	// 目录已创建，之后的错误也返回 taskDir 以便清理
	taskDir = dir
	if len(task.Data) > 0 {
		task.DataPath = filepath.Join(taskDir, dataFileName)
		if err := os.WriteFile(task.DataPath, task.Data, 0o600); err != nil {
			return taskDir, "", fmt.Errorf("write training data: %w", err)
		}
	}
	body, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return taskDir, "", fmt.Errorf("encode request: %w", err)
	}
	requestPath = filepath.Join(taskDir, requestFileName)
	if err := os.WriteFile(requestPath, body, 0o600); err != nil {
		return taskDir, "", fmt.Errorf("write request: %w", err)
	}
	return taskDir, requestPath, nil
}

// consumeEvents 读取 worker 的事件流直到 EOF。
func consumeEvents(r io.Reader, jobID string, outcome *Outcome, onEvent func(Event)) (gotResult bool, workerErr string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			log.Printf("[job %s] stdout: %s", jobID, line)
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Printf("[job %s] Warning: ignoring malformed event: %v", jobID, err)
			continue
		}
		outcome.Events++

		switch ev.Type {
		case EventProgress:
			outcome.Steps = ev.Step
			if ev.TotalSteps > 0 {
				outcome.TotalSteps = ev.TotalSteps
			}
			for k, v := range ev.Metrics {
				outcome.Metrics[k] = v
			}
		case EventLog:
			log.Printf("[job %s] worker: %s", jobID, ev.Message)
		case EventResult:
			gotResult = true
			outcome.ArtifactPath = ev.ArtifactPath
			for k, v := range ev.Metrics {
				outcome.Metrics[k] = v
			}
			for k, v := range ev.Metadata {
				outcome.Metadata[k] = v
			}
		case EventError:
			workerErr = ev.Message
			if workerErr == "" {
				workerErr = "unspecified error"
			}
		default:
			log.Printf("[job %s] Warning: unknown event type '%s'", jobID, ev.Type)
			continue
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[job %s] Warning: reading worker output: %v", jobID, err)
	}
	return gotResult, workerErr
}

// lineRing 保存最后 n 行 stderr，用于错误信息。
type lineRing struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newLineRing(n int) *lineRing { return &lineRing{n: n} }

func (l *lineRing) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
	if len(l.lines) > l.n {
		l.lines = l.lines[len(l.lines)-l.n:]
	}
}

func (l *lineRing) suffix() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return ""
	}
	return "\nstderr:\n" + strings.Join(l.lines, "\n")
}
