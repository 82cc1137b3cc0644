package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MoveArtifact 将 worker 产出的文件或目录移动到 dir 中并返回新路径。
// 已经位于 dir 中的产物保持不动；跨设备时文件会被复制后删除。
func MoveArtifact(path, dir string) (string, error) {
	if path == "" {
		return "", errors.New("worker reported no artifact")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("worker artifact: %w", err)
	}
	if filepath.Dir(filepath.Clean(path)) == filepath.Clean(dir) {
		return path, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err == nil {
		return dest, nil
	} else if info.IsDir() {
		return "", fmt.Errorf("move artifact directory '%s': %w", path, err)
	}

	if err := copyFile(path, dest, info.Mode()); err != nil {
		os.Remove(dest)
		return "", err
	}
	os.Remove(path)
	return dest, nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("copy artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	return out.Close()
}
