package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZephyrDeng/forseti-mcp/fetch"
)

func TestAsLocalPathLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, in := range []string{path, "file://" + path} {
		got, cleanup, err := fetch.AsLocalPath(context.Background(), in)
		if err != nil {
			t.Fatalf("AsLocalPath(%q): %v", in, err)
		}
		cleanup()
		if got != path {
			t.Errorf("AsLocalPath(%q) = %q, want %q", in, got, path)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("cleanup removed a local file: %v", err)
		}
	}
}

func TestAsLocalPathErrors(t *testing.T) {
	tests := []string{
		"",
		filepath.Join(t.TempDir(), "missing.bin"),
		"s3://bucket/model.bin",
		"file://",
	}
	for _, in := range tests {
		if _, _, err := fetch.AsLocalPath(context.Background(), in); err == nil {
			t.Errorf("AsLocalPath(%q) expected error", in)
		}
	}
}

func TestAsLocalPathHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.pt" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("checkpoint-bytes"))
	}))
	defer srv.Close()

	path, cleanup, err := fetch.AsLocalPath(context.Background(), srv.URL+"/models/net.pt")
	if err != nil {
		t.Fatalf("AsLocalPath: %v", err)
	}
	if !strings.HasSuffix(path, ".pt") {
		t.Errorf("downloaded path %q should keep the .pt extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "checkpoint-bytes" {
		t.Errorf("downloaded content = %q, %v", data, err)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temporary file not removed: %v", err)
	}

	if _, _, err := fetch.AsLocalPath(context.Background(), srv.URL+"/missing.pt"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}

	data, err = fetch.ReadAll(context.Background(), srv.URL+"/data.csv")
	if err != nil || string(data) != "checkpoint-bytes" {
		t.Errorf("ReadAll = %q, %v", data, err)
	}
}
