package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/pkg/types"
)

const searchResultLimit = 5

const searchSystemPrompt = `You are a research assistant. Answer the user's question using the
search results provided. Cite which result supports each claim. If the
results do not cover the question, say so before answering from general
knowledge.`

const searchFallbackSystemPrompt = `You are a research assistant. Live search is unavailable, so answer
from general knowledge and say clearly that the answer may be out of date.`

// SearchPipeline answers information-seeking requests. With a search
// capability it grounds the model call on fetched snippets; without one,
// or when the fetch fails, it degrades to a model-only answer.
type SearchPipeline struct {
	exec   *executor
	search SearchProvider
}

func (p *SearchPipeline) Category() types.Category { return types.CategorySearch }

func (p *SearchPipeline) Execute(ctx context.Context, route types.Route, req *types.Request, session *types.Session) *types.PipelineResult {
	system := searchFallbackSystemPrompt
	content := req.Text

	if p.search != nil {
		results, err := p.search.Search(ctx, req.Text, searchResultLimit)
		if err != nil {
			p.exec.log.Warn().Err(err).Msg("search provider failed, degrading to model-only answer")
		} else if len(results) > 0 {
			system = searchSystemPrompt
			content = fmt.Sprintf("%s\n\nSearch results:\n%s", req.Text, formatResults(results))
		}
	}

	messages := append(p.exec.historyMessages(session), llm.Message{
		Role:    "user",
		Content: content,
	})

	return p.exec.run(ctx, route, types.CategorySearch, callSpec{
		SystemPrompt: system,
		Messages:     messages,
		Temperature:  0.3,
	})
}

func formatResults(results []SearchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, r.Title, r.Snippet)
		if r.URL != "" {
			fmt.Fprintf(&b, "%s\n", r.URL)
		}
	}
	return b.String()
}
