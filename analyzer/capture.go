package analyzer

import (
	"bytes"
	"log"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/pprof/profile"
)

// runtime/pprof 同一时间只允许一个 CPU profile
var captureMu sync.Mutex

// CaptureCPUProfile 在执行 fn 期间采集 CPU profile，返回值中的 error 是 fn 的错误。
// 无法采集时（已有 profile 在运行、解析失败）只记录警告，fn 照常执行，profile 为 nil。
func CaptureCPUProfile(fn func() error) (*profile.Profile, error) {
	if !captureMu.TryLock() {
		log.Println("Warning: CPU profiler busy, running without profiling")
		return nil, fn()
	}
	defer captureMu.Unlock()

	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		log.Printf("Warning: failed to start CPU profile: %v", err)
		return nil, fn()
	}
	start := time.Now()
	fnErr := fn()
	pprof.StopCPUProfile()
	elapsed := time.Since(start)

	prof, err := profile.Parse(&buf)
	if err != nil {
		log.Printf("Warning: failed to parse CPU profile: %v", err)
		return nil, fnErr
	}
	if prof.DurationNanos == 0 {
		prof.DurationNanos = elapsed.Nanoseconds()
	}
	log.Printf("Captured CPU profile: %d samples over %s", len(prof.Sample), elapsed.Round(time.Millisecond))
	return prof, fnErr
}
