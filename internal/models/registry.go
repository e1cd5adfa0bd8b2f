// Package models maps specialist categories to inference model tiers and
// tracks which models the backend actually has installed.
package models

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/dispatch/internal/config"
	"github.com/normanking/dispatch/pkg/types"
)

// ModelInfo represents a model installed on the backend.
type ModelInfo struct {
	Name        string
	Size        int64
	InstalledAt time.Time
}

// Tier describes the models serving one category.
type Tier struct {
	Primary    string
	Escalation string
	Timeout    time.Duration
}

// HasEscalation reports whether the tier defines a larger fallback model.
func (t Tier) HasEscalation() bool {
	return t.Escalation != "" && t.Escalation != t.Primary
}

// Registry resolves categories to model tiers. The tier table comes from
// configuration; the installed set is refreshed from the backend so
// selection can warn about missing models.
type Registry struct {
	mu        sync.RWMutex
	tiers     map[types.Category]Tier
	router    string
	installed map[string]ModelInfo
}

// NewRegistry builds a registry from pipeline configuration.
func NewRegistry(cfg config.PipelinesConfig, routerModel string) *Registry {
	tiers := make(map[types.Category]Tier, len(types.AllCategories()))
	for _, category := range types.AllCategories() {
		tc := cfg.ForCategory(category.String())
		tiers[category] = Tier{
			Primary:    tc.Primary,
			Escalation: tc.Escalation,
			Timeout:    tc.Timeout,
		}
	}
	return &Registry{
		tiers:     tiers,
		router:    routerModel,
		installed: make(map[string]ModelInfo),
	}
}

// TierFor returns the tier for a category. Unknown categories collapse to
// the generic tier.
func (r *Registry) TierFor(category types.Category) Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tier, ok := r.tiers[category]; ok {
		return tier
	}
	return r.tiers[types.CategoryGeneric]
}

// RouterModel returns the small model used for LLM classification.
func (r *Registry) RouterModel() string {
	return r.router
}

// PrimaryModels returns the distinct set of tier-one models plus the
// router model, for warmup at startup.
func (r *Registry) PrimaryModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{r.router: true}
	names := []string{r.router}
	for _, tier := range r.tiers {
		if !seen[tier.Primary] {
			seen[tier.Primary] = true
			names = append(names, tier.Primary)
		}
	}
	sort.Strings(names)
	return names
}

// SetInstalled replaces the installed model set, typically after polling
// the backend's tag list.
func (r *Registry) SetInstalled(models []ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.installed = make(map[string]ModelInfo, len(models))
	for _, m := range models {
		r.installed[m.Name] = m
	}
}

// IsInstalled reports whether the named model is present on the backend.
// Before the first refresh the installed set is empty and every model is
// assumed present, so a slow backend poll never blocks dispatch.
func (r *Registry) IsInstalled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.installed) == 0 {
		return true
	}
	_, ok := r.installed[name]
	return ok
}

// MissingModels returns configured models absent from the installed set.
func (r *Registry) MissingModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.installed) == 0 {
		return nil
	}

	var missing []string
	check := func(name string) {
		if name == "" {
			return
		}
		if _, ok := r.installed[name]; !ok {
			missing = append(missing, name)
		}
	}
	check(r.router)
	for _, tier := range r.tiers {
		check(tier.Primary)
		check(tier.Escalation)
	}
	sort.Strings(missing)
	return dedupe(missing)
}

// LogMissing emits a warning for each configured model the backend does
// not have.
func (r *Registry) LogMissing() {
	for _, name := range r.MissingModels() {
		log.Warn().Str("model", name).Msg("configured model not installed on backend")
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
