package params_test

import (
	"strings"
	"testing"
	"time"

	"github.com/ZephyrDeng/forseti-mcp/params"
)

type sample struct {
	Epochs   int            `mapstructure:"epochs"`
	Rate     float64        `mapstructure:"learning_rate"`
	Patience time.Duration  `mapstructure:"patience"`
	Tags     []string       `mapstructure:"tags"`
	Extra    map[string]any `mapstructure:",remain"`
}

func TestDecodeWeakTypes(t *testing.T) {
	var s sample
	err := params.Decode(map[string]any{
		"epochs":        float64(5), // JSON 数字
		"learning_rate": "0.01",
		"patience":      "30s",
		"tags":          "a,b",
		"dropout":       0.2,
	}, &s, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Epochs != 5 || s.Rate != 0.01 || s.Patience != 30*time.Second {
		t.Errorf("decoded = %+v", s)
	}
	if len(s.Tags) != 2 || s.Tags[1] != "b" {
		t.Errorf("tags = %v", s.Tags)
	}
	if s.Extra["dropout"] != 0.2 {
		t.Errorf("extra = %v", s.Extra)
	}
}

func TestDecodeStrict(t *testing.T) {
	var s struct {
		Epochs int `mapstructure:"epochs"`
	}
	err := params.Decode(map[string]any{"epochs": 1, "epohcs": 2}, &s, true)
	if err == nil || !strings.Contains(err.Error(), "epohcs") {
		t.Fatalf("err = %v, want unused key error", err)
	}
	if err := params.Decode(nil, &s, true); err != nil {
		t.Errorf("nil input: %v", err)
	}
}

func TestDecodeTypeError(t *testing.T) {
	var s sample
	if err := params.Decode(map[string]any{"epochs": "many"}, &s, false); err == nil {
		t.Error("expected error for non-numeric epochs")
	}
}

func TestOneOf(t *testing.T) {
	if err := params.OneOf("device", "cuda", "cpu", "cuda"); err != nil {
		t.Error(err)
	}
	err := params.OneOf("device", "npu", "cpu", "cuda")
	if err == nil || !strings.Contains(err.Error(), "cpu, cuda") {
		t.Errorf("err = %v", err)
	}
	if params.Normalize("  PyTorch ") != "pytorch" {
		t.Error("Normalize failed")
	}
}
