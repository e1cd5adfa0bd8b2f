package pipeline

import "context"

// SearchResult is one snippet returned by a search capability.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet"`
}

// SearchProvider is the optional web-search capability used by the search
// pipeline. A nil provider degrades search to a model-only answer.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Email is an outbound message handed to a Mailer.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer is the optional send capability used by the email pipeline.
// Drafting never needs it; sending does.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// CodeRunner is the optional execution capability used by the code
// pipeline when the user explicitly asks to run the generated code.
type CodeRunner interface {
	Run(ctx context.Context, language, source string) (string, error)
}
