package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ZephyrDeng/forseti-mcp/jobs"
	"github.com/ZephyrDeng/forseti-mcp/worker"
)

// setupSignalHandler 在收到 SIGINT/SIGTERM 时取消所有任务并终止 worker 进程。
// 返回的函数执行同样的清理，可在服务器退出后调用，多次调用只清理一次。
func setupSignalHandler(jobManager *jobs.Manager, workers *worker.Manager, grace time.Duration) func() {
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			running := workers.Running()
			log.Printf("Shutting down: cancelling jobs, %d workers still running %v", len(running), running)
			// 取消任务会中断对应的 worker，先给它们保存检查点的机会
			jobManager.Shutdown(grace)
			// 仍然存活的 worker（例如忽略了 Interrupt）在此强制结束
			workers.TerminateAll(grace)
			log.Println("Cleanup finished.")
		})
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("Received signal: %s. Cleaning up running jobs...", sig)
		cleanup()
	}()
	return cleanup
}
