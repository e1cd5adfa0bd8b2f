package pipeline

import (
	"context"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/pkg/types"
)

const genericSystemPrompt = `You are a helpful assistant. Answer directly and concisely.
Use the conversation history for context when it is relevant.`

// GenericPipeline handles plain conversation and any category without a
// registered specialist.
type GenericPipeline struct {
	exec *executor
}

func (p *GenericPipeline) Category() types.Category { return types.CategoryGeneric }

func (p *GenericPipeline) Execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult {
	messages := append(p.exec.historyMessages(session), llm.Message{
		Role:    "user",
		Content: req.Text,
	})

	return p.exec.run(ctx, route, types.CategoryGeneric, callSpec{
		SystemPrompt: genericSystemPrompt,
		Messages:     messages,
		Temperature:  0.7,
	})
}
