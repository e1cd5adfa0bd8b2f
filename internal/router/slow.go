package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/pkg/types"
)

const (
	// DefaultSemanticTimeout is the maximum time allowed for semantic
	// classification before falling back to the keyword result. Kept
	// tight: a slow classifier delays every ambiguous request.
	DefaultSemanticTimeout = 300 * time.Millisecond

	// classificationPrompt is the system prompt for the classifier LLM.
	classificationPrompt = `You are a request classifier. Classify the user's request into exactly ONE category.

Categories:
- code: Writing, debugging, or explaining code in any language
- vision: Describing, analyzing, or reading text from images
- analysis: In-depth reasoning, comparison, summarization, or evaluation
- search: Factual lookups, current events, or data retrieval
- email: Drafting, replying to, or summarizing email messages
- generic: General questions, chat, or anything that fits nowhere else

Respond with JSON only: {"category": "<name>"}`

	// slowConfidence is the fixed confidence assigned to LLM classifications.
	slowConfidence = 0.85
)

// SlowClassifier implements LLM-based semantic classification.
// It's used when the fast classifier is uncertain (confidence below the
// fast-path threshold).
type SlowClassifier struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
}

// NewSlowClassifier creates a semantic classifier backed by the given
// provider and classifier model.
func NewSlowClassifier(provider llm.Provider, model string, timeout time.Duration) *SlowClassifier {
	if timeout <= 0 {
		timeout = DefaultSemanticTimeout
	}
	return &SlowClassifier{
		provider: provider,
		model:    model,
		timeout:  timeout,
	}
}

// Classify uses an LLM to semantically classify the input. The call is
// bounded by the classifier timeout regardless of the parent context.
func (c *SlowClassifier) Classify(ctx context.Context, input string) (types.Category, float64, error) {
	if c.provider == nil {
		return types.CategoryGeneric, 0, fmt.Errorf("LLM classifier not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Chat(ctx, &llm.ChatRequest{
		Model:        c.model,
		SystemPrompt: classificationPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: input},
		},
		Temperature: 0.0,
		MaxTokens:   32,
		Format:      "json",
	})
	if err != nil {
		return types.CategoryGeneric, 0, err
	}

	category, err := ParseResponse(resp.Content)
	if err != nil {
		return types.CategoryGeneric, 0, err
	}

	return category, slowConfidence, nil
}

// ParseResponse converts a classifier LLM response to a Category. It
// accepts either the requested JSON shape or a bare category name, since
// small models drift.
func ParseResponse(response string) (types.Category, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return types.CategoryGeneric, fmt.Errorf("empty classifier response")
	}

	var parsed struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err == nil && parsed.Category != "" {
		return normalizeCategory(parsed.Category), nil
	}

	// Bare text fallback
	word := strings.ToLower(response)
	word = strings.Trim(word, `"'.,{} `)
	if word == "" {
		return types.CategoryGeneric, fmt.Errorf("unparseable classifier response: %q", response)
	}
	return normalizeCategory(word), nil
}

func normalizeCategory(s string) types.Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "code", "coding", "programming":
		return types.CategoryCode
	case "vision", "image", "visual":
		return types.CategoryVision
	case "analysis", "analyze", "reasoning":
		return types.CategoryAnalysis
	case "search", "lookup", "retrieval":
		return types.CategorySearch
	case "email", "mail", "e-mail":
		return types.CategoryEmail
	default:
		return types.CategoryGeneric
	}
}
