package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/pkg/types"
)

const (
	summarySystemPrompt = `You are a précis writer. Summarize the subject of the request in
3-5 sentences. State only what is given; do not speculate.`

	reasoningSystemPrompt = `You are an analyst. Reason through the request step by step:
key factors, tradeoffs, and a clear conclusion. Be rigorous but concise.`
)

// AnalysisPipeline answers reasoning-heavy requests with two parallel
// sub-calls, a summary and a detailed analysis, merged into one reply.
// Either half alone is still a usable answer if the other fails.
type AnalysisPipeline struct {
	exec *executor
}

func (p *AnalysisPipeline) Category() types.Category { return types.CategoryAnalysis }

func (p *AnalysisPipeline) Execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult {
	start := time.Now()
	history := p.exec.historyMessages(session)

	var summary, reasoning *types.PipelineResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summary = p.exec.run(gctx, route, types.CategoryAnalysis, callSpec{
			SystemPrompt: summarySystemPrompt,
			Messages:     append(cloneMessages(history), llm.Message{Role: "user", Content: req.Text}),
			MaxTokens:    512,
			Temperature:  0.3,
		})
		return nil
	})
	g.Go(func() error {
		reasoning = p.exec.run(gctx, route, types.CategoryAnalysis, callSpec{
			SystemPrompt: reasoningSystemPrompt,
			Messages:     append(cloneMessages(history), llm.Message{Role: "user", Content: req.Text}),
			Temperature:  0.3,
		})
		return nil
	})
	_ = g.Wait()

	latency := time.Since(start)

	switch {
	case summary.Success && reasoning.Success:
		return &types.PipelineResult{
			Text:      fmt.Sprintf("%s\n\n%s", summary.Text, reasoning.Text),
			Category:  types.CategoryAnalysis,
			ModelUsed: reasoning.ModelUsed,
			Latency:   latency,
			Success:   true,
		}
	case reasoning.Success:
		reasoning.Latency = latency
		return reasoning
	case summary.Success:
		summary.Latency = latency
		return summary
	default:
		return types.Failure(types.CategoryAnalysis, reasoning.ErrorKind, latency)
	}
}

// cloneMessages copies the shared history slice so the two concurrent
// sub-calls never append into the same backing array.
func cloneMessages(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}
