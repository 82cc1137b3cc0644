// Package jobs 管理异步执行的训练与导出任务。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotFound 表示任务 ID 不存在。
	ErrNotFound = errors.New("job not found")
	// ErrFinished 表示任务已经结束，无法取消。
	ErrFinished = errors.New("job already finished")
)

// State 是任务的生命周期状态。
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal 报告状态是否为终态。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Progress 是 worker 报告的最新进度。
type Progress struct {
	Step       int64              `json:"step"`
	TotalSteps int64              `json:"totalSteps,omitempty"`
	Percent    float64            `json:"percent"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Snapshot 是任务在某一时刻的只读视图，可直接序列化为 JSON。
type Snapshot struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	State      State      `json:"state"`
	Progress   Progress   `json:"progress"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Func 是任务体。jobID 应作为 worker 任务 ID 使用，report 可并发调用。
type Func func(ctx context.Context, jobID string, report func(Progress)) (any, error)

type job struct {
	snap      Snapshot
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Manager 按提交顺序保存任务，并限制同时运行的任务数。
type Manager struct {
	sem     *semaphore.Weighted
	timeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu    sync.Mutex
	jobs  map[string]*job
	order []string
}

// NewManager 创建任务管理器。timeout 为 0 表示不限制单个任务的运行时间。
func NewManager(maxConcurrent int, timeout time.Duration) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		timeout:    timeout,
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]*job),
	}
}

// Submit 登记任务并在后台执行，立即返回初始快照。
func (m *Manager) Submit(kind, name string, fn Func) Snapshot {
	ctx, cancel := context.WithCancel(m.baseCtx)
	j := &job{
		snap: Snapshot{
			ID:        uuid.NewString(),
			Kind:      kind,
			Name:      name,
			State:     StatePending,
			CreatedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[j.snap.ID] = j
	m.order = append(m.order, j.snap.ID)
	snap := j.snap
	m.mu.Unlock()

	log.Printf("Submitted %s job %s (%s)", kind, snap.ID, name)
	go m.run(ctx, j, fn)
	return snap
}

func (m *Manager) run(ctx context.Context, j *job, fn Func) {
	defer close(j.done)
	defer j.cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(j, nil, err)
		return
	}
	defer m.sem.Release(1)

	runCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	m.mu.Lock()
	now := time.Now().UTC()
	j.snap.State = StateRunning
	j.snap.StartedAt = &now
	id := j.snap.ID
	m.mu.Unlock()
	log.Printf("Job %s started", id)

	result, err := fn(runCtx, id, func(p Progress) { m.report(j, p) })
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	m.finish(j, result, err)
}

func (m *Manager) report(j *job, p Progress) {
	if p.TotalSteps > 0 {
		p.Percent = float64(p.Step) / float64(p.TotalSteps) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.snap.State.Terminal() {
		return
	}
	metrics := make(map[string]float64, len(j.snap.Progress.Metrics)+len(p.Metrics))
	for k, v := range j.snap.Progress.Metrics {
		metrics[k] = v
	}
	for k, v := range p.Metrics {
		metrics[k] = v
	}
	p.Metrics = metrics
	j.snap.Progress = p
}

func (m *Manager) finish(j *job, result any, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j.snap.FinishedAt = &now
	switch {
	case err == nil:
		j.snap.State = StateSucceeded
		j.snap.Result = result
		if j.snap.Progress.TotalSteps > 0 {
			j.snap.Progress.Percent = 100
		}
	case j.cancelled || errors.Is(err, context.Canceled):
		j.snap.State = StateCancelled
		j.snap.Error = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		j.snap.State = StateFailed
		j.snap.Error = fmt.Sprintf("timed out after %s", m.timeout)
	default:
		j.snap.State = StateFailed
		j.snap.Error = err.Error()
	}
	log.Printf("Job %s finished: %s", j.snap.ID, j.snap.State)
	if j.snap.Error != "" && j.snap.State == StateFailed {
		log.Printf("Job %s error: %s", j.snap.ID, j.snap.Error)
	}
}

// Get 返回任务快照。
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.snap, nil
}

// List 按提交顺序返回所有任务，kind 非空时只返回该类型。
func (m *Manager) List(kind string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		j := m.jobs[id]
		if kind != "" && j.snap.Kind != kind {
			continue
		}
		out = append(out, j.snap)
	}
	return out
}

// Counts 统计各状态的任务数量。
func (m *Manager) Counts() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[State]int)
	for _, j := range m.jobs {
		counts[j.snap.State]++
	}
	return counts
}

// Cancel 取消一个尚未结束的任务。
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.snap.State.Terminal() {
		state := j.snap.State
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrFinished, id, state)
	}
	j.cancelled = true
	m.mu.Unlock()

	log.Printf("Cancelling job %s", id)
	j.cancel()
	return nil
}

// Wait 阻塞直到任务结束或 ctx 结束。
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-j.done:
		return m.Get(id)
	case <-ctx.Done():
		snap, _ := m.Get(id)
		return snap, ctx.Err()
	}
}

// Shutdown 取消所有任务并等待它们结束，最多等待 timeout。
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	pending := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !j.snap.State.Terminal() {
			j.cancelled = true
			pending = append(pending, j)
		}
	}
	m.mu.Unlock()

	m.baseCancel()
	deadline := time.After(timeout)
	for _, j := range pending {
		select {
		case <-j.done:
		case <-deadline:
			log.Printf("Warning: %d jobs still running after %s", len(pending), timeout)
			return
		}
	}
}

// SortByCreated 按创建时间排序，最新的在前。
func SortByCreated(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, k int) bool {
		return snaps[i].CreatedAt.After(snaps[k].CreatedAt)
	})
}
