// Package fetch 将模型或数据的位置（本地路径、file:// 或 http(s):// URI）解析为本地文件。
package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Client 用于下载 http(s) 资源，测试中可替换。
var Client = http.DefaultClient

// AsLocalPath 获取 uriStr 指向的文件。
// - 如果输入不包含 "://", 则视为本地文件路径（相对或绝对）。
// - 如果是 file:// URI，直接使用其路径。
// - 如果是 http:// 或 https:// URI，下载到临时文件并返回其路径，保留原文件扩展名。
// 返回最终的文件路径、一个用于清理临时文件的函数（如果创建了临时文件）以及错误。
func AsLocalPath(ctx context.Context, uriStr string) (filePath string, cleanup func(), err error) {
	cleanup = func() {} // 默认清理函数为空操作

	if strings.TrimSpace(uriStr) == "" {
		return "", nil, fmt.Errorf("empty path")
	}

	// 检查输入是否包含协议头，如果没有，则假定为本地文件路径
	if !strings.Contains(uriStr, "://") {
		absPath, err := filepath.Abs(uriStr)
		if err != nil {
			return "", nil, fmt.Errorf("failed to get absolute path for '%s': %w", uriStr, err)
		}
		if _, statErr := os.Stat(absPath); statErr != nil {
			return "", nil, fmt.Errorf("local path '%s' (resolved to '%s'): %w", uriStr, absPath, statErr)
		}
		return absPath, cleanup, nil
	}

	parsedURI, err := url.Parse(uriStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid URI '%s': %w", uriStr, err)
	}

	switch parsedURI.Scheme {
	case "file":
		filePath = parsedURI.Path
		if filePath == "" {
			return "", nil, fmt.Errorf("invalid file path derived from URI '%s'", uriStr)
		}
		if _, statErr := os.Stat(filePath); statErr != nil {
			return "", nil, fmt.Errorf("file URI '%s': %w", uriStr, statErr)
		}
		log.Printf("Using local file: %s", filePath)
		return filePath, cleanup, nil

	case "http", "https":
		return download(ctx, uriStr, parsedURI)

	default:
		return "", nil, fmt.Errorf("unsupported URI scheme '%s', only 'file://', 'http://', 'https://', or a plain local path are supported", parsedURI.Scheme)
	}
}

func download(ctx context.Context, uriStr string, parsedURI *url.URL) (string, func(), error) {
	log.Printf("Attempting to download from URL: %s", uriStr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uriStr, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request for '%s': %w", uriStr, err)
	}
	resp, err := Client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to download '%s': %w", uriStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("failed to download '%s': received status code %d", uriStr, resp.StatusCode)
	}

	// 保留扩展名，后续的格式探测会用到（例如 .pt、.h5）
	tempFile, err := os.CreateTemp("", "forseti-*"+filepath.Ext(parsedURI.Path))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary file for download: %w", err)
	}
	filePath := tempFile.Name()

	cleanup := func() {
		log.Printf("Cleaning up temporary file: %s", filePath)
		err := os.Remove(filePath)
		if err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to remove temporary file '%s': %v", filePath, err)
		}
	}

	n, err := io.Copy(tempFile, resp.Body)
	closeErr := tempFile.Close()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write downloaded content to temporary file '%s': %w", filePath, err)
	}
	if closeErr != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close temporary file '%s': %w", filePath, closeErr)
	}

	log.Printf("Successfully downloaded %d bytes to %s", n, filePath)
	return filePath, cleanup, nil
}

// ReadAll 读取 uriStr 指向的完整内容，用于训练数据等较小的输入。
func ReadAll(ctx context.Context, uriStr string) ([]byte, error) {
	path, cleanup, err := AsLocalPath(ctx, uriStr)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read '%s': %w", path, err)
	}
	return data, nil
}
