package models

import (
	"testing"
	"time"

	"github.com/normanking/dispatch/internal/config"
	"github.com/normanking/dispatch/pkg/types"
)

func testRegistry() *Registry {
	return NewRegistry(config.Default().Pipelines, "gemma3:1b")
}

func TestTierForKnownCategory(t *testing.T) {
	reg := testRegistry()

	tier := reg.TierFor(types.CategoryCode)
	if tier.Primary != "qwen2.5-coder:7b" {
		t.Errorf("expected code primary 'qwen2.5-coder:7b', got '%s'", tier.Primary)
	}
	if !tier.HasEscalation() {
		t.Error("expected code tier to have an escalation model")
	}
	if tier.Timeout <= 0 {
		t.Error("expected positive tier timeout")
	}
}

func TestTierForUnknownCategoryFallsBackToGeneric(t *testing.T) {
	reg := testRegistry()

	tier := reg.TierFor(types.Category("weather"))
	if tier.Primary != reg.TierFor(types.CategoryGeneric).Primary {
		t.Errorf("unknown category should use the generic tier, got '%s'", tier.Primary)
	}
}

func TestPrimaryModelsIncludesRouterAndDedupes(t *testing.T) {
	reg := testRegistry()

	names := reg.PrimaryModels()
	seen := make(map[string]bool)
	foundRouter := false
	for _, name := range names {
		if seen[name] {
			t.Errorf("duplicate model '%s' in primary set", name)
		}
		seen[name] = true
		if name == "gemma3:1b" {
			foundRouter = true
		}
	}
	if !foundRouter {
		t.Error("expected router model in primary set")
	}
}

func TestIsInstalledBeforeRefreshAssumesPresent(t *testing.T) {
	reg := testRegistry()

	if !reg.IsInstalled("anything:1b") {
		t.Error("empty installed set should assume models present")
	}
	if missing := reg.MissingModels(); missing != nil {
		t.Errorf("expected nil missing set before refresh, got %v", missing)
	}
}

func TestMissingModelsAfterRefresh(t *testing.T) {
	reg := testRegistry()

	reg.SetInstalled([]ModelInfo{
		{Name: "gemma3:1b", Size: 800000000, InstalledAt: time.Now()},
		{Name: "qwen2.5-coder:7b"},
	})

	if !reg.IsInstalled("gemma3:1b") {
		t.Error("expected gemma3:1b installed")
	}
	if reg.IsInstalled("phi4:14b") {
		t.Error("expected phi4:14b not installed")
	}

	missing := reg.MissingModels()
	if len(missing) == 0 {
		t.Fatal("expected missing models to be reported")
	}
	for _, name := range missing {
		if name == "gemma3:1b" || name == "qwen2.5-coder:7b" {
			t.Errorf("installed model '%s' reported missing", name)
		}
	}
}
