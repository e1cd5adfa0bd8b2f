package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/dispatch/internal/bus"
	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/internal/models"
	"github.com/normanking/dispatch/pkg/types"
)

// complexityEscalationThreshold is the complexity score above which a
// request starts directly on the escalation tier instead of the primary.
const complexityEscalationThreshold = 0.7

// executor is the shared model-call helper behind every pipeline: tier
// selection, per-call timeouts, at most one escalation retry, and event
// publication.
type executor struct {
	provider     llm.Provider
	registry     *models.Registry
	events       *bus.Bus
	contextTurns int
	log          zerolog.Logger
}

// callSpec describes one model invocation for a category.
type callSpec struct {
	SystemPrompt string
	Messages     []llm.Message
	MaxTokens    int
	Temperature  float64
}

// run executes a call against the category's tier ladder. The primary
// model is tried first unless the route's complexity already warrants the
// escalation tier. A failed primary call is retried once on the escalation
// model. Urgent requests never escalate.
func (e *executor) run(ctx context.Context, route types.Route, category types.Category, spec callSpec) *types.PipelineResult {
	start := time.Now()
	tier := e.registry.TierFor(category)

	canEscalate := tier.HasEscalation() && route.Priority != types.PriorityUrgent

	model := tier.Primary
	if canEscalate && route.Complexity >= complexityEscalationThreshold {
		model = tier.Escalation
		canEscalate = false
		e.publishEscalation(route, category, model, "complexity")
	}

	resp, err := e.chat(ctx, tier, model, spec, route, category)
	if err != nil && canEscalate && ctx.Err() == nil {
		e.publishEscalation(route, category, tier.Escalation, string(llm.Kind(err)))
		resp, err = e.chat(ctx, tier, tier.Escalation, spec, route, category)
		model = tier.Escalation
	}

	latency := time.Since(start)
	if err != nil {
		e.log.Warn().
			Str("category", category.String()).
			Str("model", model).
			Dur("latency", latency).
			Err(err).
			Msg("pipeline call failed")
		return types.Failure(category, llm.Kind(err), latency)
	}

	return &types.PipelineResult{
		Text:      strings.TrimSpace(resp.Content),
		Category:  category,
		ModelUsed: model,
		Latency:   latency,
		Success:   true,
	}
}

// chat performs a single model call under the tier's timeout.
func (e *executor) chat(ctx context.Context, tier models.Tier, model string, spec callSpec, route types.Route, category types.Category) (*llm.ChatResponse, error) {
	if tier.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tier.Timeout)
		defer cancel()
	}

	e.publish(bus.EventLLMRequest, route, category, model, nil)

	resp, err := e.provider.Chat(ctx, &llm.ChatRequest{
		Model:        model,
		SystemPrompt: spec.SystemPrompt,
		Messages:     spec.Messages,
		MaxTokens:    spec.MaxTokens,
		Temperature:  spec.Temperature,
	})
	if err != nil {
		e.publish(bus.EventLLMError, route, category, model, err)
		return nil, err
	}

	e.publish(bus.EventLLMResponse, route, category, model, nil)
	return resp, nil
}

// historyMessages converts the tail of the session history into chat
// messages, bounded by the configured context window.
func (e *executor) historyMessages(session *types.Session) []llm.Message {
	if session == nil {
		return nil
	}
	turns := session.LastTurns(e.contextTurns)
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Text})
	}
	return msgs
}

func (e *executor) publish(eventType bus.EventType, route types.Route, category types.Category, model string, err error) {
	if e.events == nil {
		return
	}
	event := bus.NewEvent(eventType)
	event.Category = category.String()
	event.Priority = string(route.Priority)
	event.Model = model
	if err != nil {
		event.Error = err.Error()
		event.ErrorKind = string(llm.Kind(err))
	}
	_ = e.events.Publish(event)
}

func (e *executor) publishEscalation(route types.Route, category types.Category, model, reason string) {
	e.log.Info().
		Str("category", category.String()).
		Str("model", model).
		Str("reason", reason).
		Msg("escalating to heavy tier")

	if e.events == nil {
		return
	}
	event := bus.NewEvent(bus.EventTierEscalated)
	event.Category = category.String()
	event.Priority = string(route.Priority)
	event.Model = model
	event.Content = reason
	_ = e.events.Publish(event)
}
