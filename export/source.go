package export

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type sourceKind string

const (
	sourceSafetensors sourceKind = "safetensors"
	sourceShards      sourceKind = "safetensors_shards"
	sourceGGUF        sourceKind = "gguf"
	sourceCheckpoint  sourceKind = "checkpoint"
)

// source 是识别后的模型输入。
type source struct {
	Kind      sourceKind
	Path      string
	Files     []string // safetensors 分片，已排序
	Framework string   // 仅 checkpoint
	Config    map[string]any
}

// 框架 checkpoint 的扩展名
var checkpointExts = map[string]string{
	".pt":      "pytorch",
	".pth":     "pytorch",
	".bin":     "pytorch",
	".ckpt":    "pytorch",
	".h5":      "tensorflow",
	".keras":   "tensorflow",
	".msgpack": "jax",
}

// detectSource 按文件内容优先、扩展名其次识别模型格式。
func detectSource(path string) (*source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("model path: %w", err)
	}
	if info.IsDir() {
		return detectDir(path)
	}

	src := &source{Path: path}
	kind, err := sniffFile(path)
	if err != nil {
		return nil, err
	}
	switch {
	case kind != "":
		src.Kind = kind
	case checkpointExts[strings.ToLower(filepath.Ext(path))] != "":
		src.Kind = sourceCheckpoint
		src.Framework = checkpointExts[strings.ToLower(filepath.Ext(path))]
	default:
		return nil, fmt.Errorf("%w: cannot recognize '%s' (expected safetensors, GGUF or a .pt/.pth/.bin/.ckpt/.h5/.keras/.msgpack checkpoint)", ErrUnsupportedSource, path)
	}
	if src.Kind == sourceSafetensors {
		src.Files = []string{path}
	}
	if src.Config, err = loadModelConfig(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return src, nil
}

func detectDir(dir string) (*source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read model directory: %w", err)
	}
	src := &source{Path: dir}
	var shards []string
	hasSavedModel := false
	torchFiles := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".safetensors"):
			shards = append(shards, filepath.Join(dir, name))
		case name == "saved_model.pb":
			hasSavedModel = true
		case checkpointExts[filepath.Ext(name)] == "pytorch":
			torchFiles++
		}
	}
	switch {
	case len(shards) > 0:
		sort.Strings(shards)
		src.Kind = sourceShards
		src.Files = shards
	case hasSavedModel:
		src.Kind = sourceCheckpoint
		src.Framework = "tensorflow"
	case torchFiles > 0:
		src.Kind = sourceCheckpoint
		src.Framework = "pytorch"
	default:
		return nil, fmt.Errorf("%w: directory '%s' has no safetensors shards, SavedModel or PyTorch checkpoint", ErrUnsupportedSource, dir)
	}
	if src.Config, err = loadModelConfig(dir); err != nil {
		return nil, err
	}
	return src, nil
}

// sniffFile 读取文件头判断是否为 GGUF 或 safetensors，无法判断时返回空字符串。
func sniffFile(path string) (sourceKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	head := make([]byte, 9)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read model header: %w", err)
	}
	head = head[:n]
	if n >= 4 && string(head[:4]) == ggufMagic {
		return sourceGGUF, nil
	}
	if n == 9 && head[8] == '{' {
		if l := binary.LittleEndian.Uint64(head[:8]); l >= 2 && l <= maxSafetensorsHeader {
			return sourceSafetensors, nil
		}
	}
	return "", nil
}

// loadModelConfig 读取模型旁的 config.json（Hugging Face 约定），不存在时返回 nil。
func loadModelConfig(dir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config.json: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: config.json in '%s': %v", ErrInvalidModel, dir, err)
	}
	return cfg, nil
}

// tensorSet 是从一个或多个文件中读取的全部张量。
type tensorSet struct {
	tensors  []*tensor
	metadata map[string]string
	gguf     *ggufFile
	closers  []io.Closer
}

func (s *tensorSet) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// openTensors 打开 safetensors（含分片）或 GGUF 源。分片之间的同名张量视为错误。
func openTensors(src *source) (*tensorSet, error) {
	set := &tensorSet{metadata: map[string]string{}}
	switch src.Kind {
	case sourceGGUF:
		g, err := openGGUF(src.Path)
		if err != nil {
			return nil, err
		}
		set.closers = append(set.closers, g)
		set.gguf = g
		set.tensors = g.tensors
		for k, v := range g.kv {
			set.metadata[k] = fmt.Sprint(v)
		}
		return set, nil

	case sourceSafetensors, sourceShards:
		seen := map[string]string{}
		for _, file := range src.Files {
			st, err := openSafetensors(file)
			if err != nil {
				set.Close()
				return nil, err
			}
			set.closers = append(set.closers, st)
			for _, t := range st.tensors {
				if prev, dup := seen[t.Name]; dup {
					set.Close()
					return nil, fmt.Errorf("%w: tensor '%s' appears in both '%s' and '%s'", ErrInvalidModel, t.Name, filepath.Base(prev), filepath.Base(file))
				}
				seen[t.Name] = file
				set.tensors = append(set.tensors, t)
			}
			for k, v := range st.metadata {
				set.metadata[k] = v
			}
		}
		sort.Slice(set.tensors, func(i, j int) bool { return set.tensors[i].Name < set.tensors[j].Name })
		return set, nil
	}
	return nil, fmt.Errorf("%w: %s sources have no tensors to read directly", ErrUnsupportedSource, src.Kind)
}
