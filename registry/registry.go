// Package registry 记录训练和导出产出的模型，并持久化到 JSON 文件。
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound 表示模型 ID 不存在。
var ErrNotFound = errors.New("model not found")

// 产物类型
const (
	KindModel  = "model"  // 监督训练的模型
	KindAgent  = "agent"  // 强化学习智能体
	KindExport = "export" // 格式转换的产物
)

// Entry 是注册表中的一条记录。
type Entry struct {
	ID        string             `json:"id"`
	Kind      string             `json:"kind"`
	Name      string             `json:"name"`
	Framework string             `json:"framework"` // pytorch, tensorflow, jax, stable_baselines3, ray_rllib
	Format    string             `json:"format,omitempty"`
	Path      string             `json:"path"`
	SizeBytes int64              `json:"sizeBytes"`
	SourceID  string             `json:"sourceId,omitempty"` // 导出产物对应的源模型
	JobID     string             `json:"jobId,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Filter 限定 List 的返回结果，零值字段不参与过滤。
type Filter struct {
	Kind      string
	Framework string
	Format    string
}

func (f Filter) match(e Entry) bool {
	return (f.Kind == "" || f.Kind == e.Kind) &&
		(f.Framework == "" || f.Framework == e.Framework) &&
		(f.Format == "" || f.Format == e.Format)
}

// Registry 是线程安全的模型注册表。path 为空时只保存在内存中。
type Registry struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open 从 path 加载注册表，文件不存在时返回空注册表。
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]Entry)}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Registry file '%s' does not exist, starting empty", path)
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry '%s': %w", path, err)
	}
	var list []Entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse registry '%s': %w", path, err)
		}
	}
	for _, e := range list {
		r.entries[e.ID] = e
	}
	log.Printf("Loaded %d registry entries from %s", len(list), path)
	return r, nil
}

// Register 添加或替换记录。未设置 ID 时生成新 ID，未设置大小时从文件系统读取。
func (r *Registry) Register(e Entry) (Entry, error) {
	if e.Path == "" {
		return Entry{}, errors.New("registry entry has no path")
	}
	if e.Kind == "" {
		return Entry{}, errors.New("registry entry has no kind")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.SizeBytes == 0 {
		e.SizeBytes = pathSize(e.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.entries[e.ID]
	r.entries[e.ID] = e
	if err := r.saveLocked(); err != nil {
		if existed {
			r.entries[e.ID] = prev
		} else {
			delete(r.entries, e.ID)
		}
		return Entry{}, err
	}
	log.Printf("Registered %s %s (%s, %s) at %s", e.Kind, e.ID, e.Framework, e.Format, e.Path)
	return e, nil
}

// Get 按 ID 查找记录。
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List 返回符合过滤条件的记录，按创建时间从新到旧排序。
func (r *Registry) List(f Filter) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Remove 删除记录（不删除模型文件）。
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.entries, id)
	if err := r.saveLocked(); err != nil {
		r.entries[id] = e
		return err
	}
	return nil
}

// saveLocked 先写临时文件再重命名，避免写到一半的注册表。
func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	list := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write registry: %w", errors.Join(werr, cerr))
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace registry '%s': %w", r.path, err)
	}
	return nil
}

// pathSize 返回文件大小，目录则累加其中所有文件。
func pathSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err == nil && !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total
}
