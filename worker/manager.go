package worker

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// Manager 跟踪由本服务启动的 worker 进程，键为任务 ID。
type Manager struct {
	mu      sync.Mutex
	running map[string]*os.Process
}

// NewManager 创建一个空的进程表。
func NewManager() *Manager {
	return &Manager{running: make(map[string]*os.Process)}
}

func (m *Manager) add(jobID string, p *os.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.running[jobID]; exists {
		return fmt.Errorf("job %s already has a running worker", jobID)
	}
	m.running[jobID] = p
	return nil
}

func (m *Manager) remove(jobID string) {
	m.mu.Lock()
	delete(m.running, jobID)
	m.mu.Unlock()
}

// Running 返回当前仍在运行的任务 ID（已排序）。
func (m *Manager) Running() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Terminate 向指定任务的 worker 发送 Interrupt，grace 之后仍未退出则发送 Kill。
// grace 为 0 时只发送 Interrupt。进程记录由 Runner 在进程退出后移除。
func (m *Manager) Terminate(jobID string, grace time.Duration) error {
	m.mu.Lock()
	process, exists := m.running[jobID]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("no running worker for job %s", jobID)
	}
	log.Printf("Attempting to terminate worker PID %d (job %s)", process.Pid, jobID)
	if err := signalProcess(process); err != nil {
		return err
	}
	if grace <= 0 {
		return nil
	}
	// 宽限期后仍未退出则强制结束
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !m.holds(jobID, process) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if m.holds(jobID, process) {
		log.Printf("Worker for job %s still running after %s, sending Kill", jobID, grace)
		if err := process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill PID %d: %w", process.Pid, err)
		}
	}
	return nil
}

// holds 报告 jobID 是否仍对应同一个进程。
func (m *Manager) holds(jobID string, p *os.Process) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[jobID] == p
}

// TerminateAll 并行终止所有运行中的 worker，在服务退出时调用。
func (m *Manager) TerminateAll(grace time.Duration) {
	ids := m.Running()
	if len(ids) == 0 {
		log.Println("No running workers to terminate.")
		return
	}

	log.Printf("Terminating %d workers: %v", len(ids), ids)
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		go func(jobID string) {
			defer wg.Done()
			if err := m.Terminate(jobID, grace); err != nil {
				log.Printf("Failed to terminate worker for job %s: %v", jobID, err)
			}
		}(id)
	}
	wg.Wait()
	log.Println("Worker cleanup finished.")
}

func signalProcess(p *os.Process) error {
	err := p.Signal(os.Interrupt)
	if err != nil {
		log.Printf("Failed to send Interrupt signal to PID %d: %v. Trying Kill signal.", p.Pid, err)
		if err = p.Kill(); err != nil {
			return fmt.Errorf("terminate PID %d: %w", p.Pid, err)
		}
	}
	return nil
}
