package registry_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZephyrDeng/forseti-mcp/registry"
)

func TestRegisterPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.safetensors")
	if err := os.WriteFile(modelPath, make([]byte, 128), 0o644); err != nil {
		t.Fatal(err)
	}
	regPath := filepath.Join(dir, "nested", "registry.json")

	r, err := registry.Open(regPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := r.Register(registry.Entry{
		Kind:      registry.KindModel,
		Name:      "mnist-mlp",
		Framework: "pytorch",
		Format:    "safetensors",
		Path:      modelPath,
		Metrics:   map[string]float64{"accuracy": 0.97},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if e.ID == "" || e.SizeBytes != 128 || e.CreatedAt.IsZero() {
		t.Errorf("entry defaults not filled: %+v", e)
	}

	reopened, err := registry.Open(regPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(e.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Name != "mnist-mlp" || got.Metrics["accuracy"] != 0.97 {
		t.Errorf("reloaded entry = %+v", got)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	r, err := registry.Open("")
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []registry.Entry{
		{Kind: registry.KindModel, Framework: "jax", Path: "/m/a", CreatedAt: base},
		{Kind: registry.KindAgent, Framework: "stable_baselines3", Path: "/m/b", CreatedAt: base.Add(time.Hour)},
		{Kind: registry.KindExport, Framework: "pytorch", Format: "gguf", Path: "/m/c", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		if _, err := r.Register(e); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	all := r.List(registry.Filter{})
	if len(all) != 3 || all[0].Path != "/m/c" || all[2].Path != "/m/a" {
		t.Errorf("List order = %+v", all)
	}
	if got := r.List(registry.Filter{Kind: registry.KindAgent}); len(got) != 1 || got[0].Path != "/m/b" {
		t.Errorf("List(agent) = %+v", got)
	}
	if got := r.List(registry.Filter{Format: "onnx"}); len(got) != 0 {
		t.Errorf("List(onnx) = %+v", got)
	}
}

func TestRegisterValidationAndRemove(t *testing.T) {
	r, _ := registry.Open("")
	if _, err := r.Register(registry.Entry{Kind: registry.KindModel}); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := r.Register(registry.Entry{Path: "/x"}); err == nil {
		t.Error("expected error for missing kind")
	}
	e, err := r.Register(registry.Entry{Kind: registry.KindModel, Path: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(e.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get(e.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get after remove err = %v", err)
	}
	if err := r.Remove(e.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second Remove err = %v", err)
	}
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Open(path); err == nil {
		t.Error("expected parse error")
	}
}
