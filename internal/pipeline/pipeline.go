// Package pipeline contains the specialist pipelines a routed request is
// executed by. Each pipeline wraps one category of work around the shared
// model executor: prompt shaping, capability checks, and tier escalation.
package pipeline

import (
	"context"

	"github.com/normanking/dispatch/internal/bus"
	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/internal/logging"
	"github.com/normanking/dispatch/internal/models"
	"github.com/normanking/dispatch/pkg/types"
)

// Pipeline executes one routed request for its category. Expected failures
// are folded into the result; Execute never returns an error.
type Pipeline interface {
	// Category returns the request category this pipeline handles.
	Category() types.Category

	// Execute runs the pipeline for one request.
	Execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult
}

// Deps carries the shared collaborators pipelines are built from.
type Deps struct {
	Provider llm.Provider
	Registry *models.Registry
	Bus      *bus.Bus

	// Search, Mailer, and Runner are optional capabilities. Nil means
	// the capability is absent; pipelines that need one report a
	// mismatch or degrade.
	Search SearchProvider
	Mailer Mailer
	Runner CodeRunner

	// ContextTurns bounds how much session history enters the prompt.
	ContextTurns int
}

// Registry resolves a category to its pipeline. The pipeline set is closed
// at construction; lookups for unknown categories fall back to generic.
type Registry struct {
	pipelines map[types.Category]Pipeline
	generic   Pipeline
}

// NewRegistry builds the full pipeline set from shared dependencies.
func NewRegistry(deps Deps) *Registry {
	if deps.ContextTurns <= 0 {
		deps.ContextTurns = 6
	}

	exec := &executor{
		provider:     deps.Provider,
		registry:     deps.Registry,
		events:       deps.Bus,
		contextTurns: deps.ContextTurns,
		log:          logging.Component("pipeline"),
	}

	generic := &GenericPipeline{exec: exec}

	r := &Registry{
		pipelines: make(map[types.Category]Pipeline),
		generic:   generic,
	}
	r.register(generic)
	r.register(&CodePipeline{exec: exec, runner: deps.Runner})
	r.register(&VisionPipeline{exec: exec})
	r.register(&AnalysisPipeline{exec: exec})
	r.register(&SearchPipeline{exec: exec, search: deps.Search})
	r.register(&EmailPipeline{exec: exec, mailer: deps.Mailer})
	return r
}

func (r *Registry) register(p Pipeline) {
	r.pipelines[p.Category()] = p
}

// ForCategory returns the pipeline for the category, or the generic
// pipeline when no specialist is registered.
func (r *Registry) ForCategory(category types.Category) Pipeline {
	if p, ok := r.pipelines[category]; ok {
		return p
	}
	return r.generic
}

// Categories lists the registered categories.
func (r *Registry) Categories() []types.Category {
	out := make([]types.Category, 0, len(r.pipelines))
	for c := range r.pipelines {
		out = append(out, c)
	}
	return out
}
