// Package workertest 提供在测试中充当 worker 的 shell 脚本。
package workertest

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// Script 将 body 写成可执行的 sh 脚本并返回 worker 命令。
// 脚本被调用时 $1 为 "--request"，$2 为 request.json 的路径。
func Script(t testing.TB, body string) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell workers are not supported on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return []string{path}
}

// Succeed 返回一个输出两次进度并以 artifact 为结果的 worker。
// artifact 为相对路径时写在任务目录中。
func Succeed(t testing.TB, artifact string) []string {
	t.Helper()
	return Script(t, `
echo '{"type":"log","message":"starting"}'
echo '{"type":"progress","step":1,"total_steps":2,"metrics":{"loss":0.9}}'
echo '{"type":"progress","step":2,"total_steps":2,"metrics":{"loss":0.4,"accuracy":0.8}}'
printf 'weights' > "`+artifact+`"
echo '{"type":"result","artifact_path":"`+artifact+`","metrics":{"accuracy":0.81},"metadata":{"worker_version":"test"}}'
`)
}
