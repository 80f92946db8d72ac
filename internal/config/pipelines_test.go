package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshline/supportmesh/internal/mesh"
)

func TestCatalogBuiltinsOnly(t *testing.T) {
	c, err := NewCatalog("", slog.Default())
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	for _, name := range []string{"full_support", "complaint_analysis", "response_generation", "action_execution", "escalation"} {
		if _, ok := c.Route(name); !ok {
			t.Errorf("builtin %q missing", name)
		}
	}
	if _, ok := c.Route("nope"); ok {
		t.Error("unknown preset resolved")
	}
}

func TestCatalogMissingFileFallsBackToBuiltins(t *testing.T) {
	c, err := NewCatalog(filepath.Join(t.TempDir(), "absent.toml"), slog.Default())
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	if _, ok := c.Route("full_support"); !ok {
		t.Error("builtins lost without a file")
	}
}

func TestCatalogLoadsTOMLPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.toml")
	body := `
[pipelines.quick_answer]
steps = ["intent_analyzer", "response_generator", "response_aggregator"]

[pipelines.strict_review]
steps = ["sentiment_analyzer", "response_generator", "guardrail_validator", "response_aggregator"]
error_handler = "escalation_router"
`
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	c, err := NewCatalog(path, slog.Default())
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	r, ok := c.Route("quick_answer")
	if !ok {
		t.Fatal("quick_answer missing")
	}
	want := []mesh.Stage{mesh.StageIntentAnalyzer, mesh.StageResponseGenerator, mesh.StageResponseAggregator}
	if len(r.Steps) != len(want) {
		t.Fatalf("steps = %v", r.Steps)
	}
	for i := range want {
		if r.Steps[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, r.Steps[i], want[i])
		}
	}
	if r.ErrorHandler != mesh.DefaultErrorHandler {
		t.Errorf("default error handler = %s", r.ErrorHandler)
	}

	r, ok = c.Route("strict_review")
	if !ok {
		t.Fatal("strict_review missing")
	}
	if r.ErrorHandler != mesh.StageEscalationRouter {
		t.Errorf("error handler = %s", r.ErrorHandler)
	}

	// Built-ins survive alongside file presets.
	if _, ok := c.Route("full_support"); !ok {
		t.Error("builtin lost after file load")
	}
}

func TestCatalogRejectsUnknownStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.toml")
	body := `
[pipelines.bad]
steps = ["sentiment_analyzer", "mystery_stage"]
`
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	if _, err := NewCatalog(path, slog.Default()); err == nil {
		t.Fatal("unknown stage accepted")
	}
}

func TestCatalogRejectsEmptySteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.toml")
	body := `
[pipelines.empty]
steps = []
`
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	if _, err := NewCatalog(path, slog.Default()); err == nil {
		t.Fatal("empty route accepted")
	}
}

func TestCatalogRouteReturnsIsolatedCopy(t *testing.T) {
	c, err := NewCatalog("", slog.Default())
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	r1, _ := c.Route("full_support")
	r1.Steps[0] = mesh.StageEscalationRouter
	r1.CurrentStep = 3

	r2, _ := c.Route("full_support")
	if r2.Steps[0] != mesh.StageSentimentAnalyzer {
		t.Error("catalog route mutated through a returned copy")
	}
	if r2.CurrentStep != 0 {
		t.Errorf("cursor = %d, want 0", r2.CurrentStep)
	}
}

func TestCatalogReloadOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.toml")
	v1 := `
[pipelines.custom]
steps = ["intent_analyzer", "response_aggregator"]
`
	if err := os.WriteFile(path, []byte(v1), 0640); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	c, err := NewCatalog(path, slog.Default())
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	if r, _ := c.Route("custom"); len(r.Steps) != 2 {
		t.Fatalf("steps = %v", r.Steps)
	}

	v2 := `
[pipelines.custom]
steps = ["sentiment_analyzer", "intent_analyzer", "response_aggregator"]
`
	if err := os.WriteFile(path, []byte(v2), 0640); err != nil {
		t.Fatalf("rewrite toml: %v", err)
	}
	// Force a future mod time so the watcher's comparison fires even on
	// coarse filesystem clocks.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	c.check()

	if r, _ := c.Route("custom"); len(r.Steps) != 3 {
		t.Errorf("steps after reload = %v", r.Steps)
	}
}

func TestCatalogBrokenReloadKeepsCurrentPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.toml")
	v1 := `
[pipelines.custom]
steps = ["intent_analyzer", "response_aggregator"]
`
	if err := os.WriteFile(path, []byte(v1), 0640); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	c, err := NewCatalog(path, slog.Default())
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	if err := os.WriteFile(path, []byte(`[pipelines.custom`), 0640); err != nil {
		t.Fatalf("corrupt toml: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	c.check()

	if _, ok := c.Route("custom"); !ok {
		t.Error("working preset lost after a broken reload")
	}
}
