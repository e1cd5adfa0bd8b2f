package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/normanking/dispatch/internal/config"
	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/internal/models"
	"github.com/normanking/dispatch/pkg/types"
)

type fakeReply struct {
	content string
	err     error
	delay   time.Duration
}

// fakeProvider serves scripted replies in call order, or via replyFn when
// call order is not deterministic (parallel sub-calls).
type fakeProvider struct {
	mu       sync.Mutex
	replies  []fakeReply
	replyFn  func(req *llm.ChatRequest) (*llm.ChatResponse, error)
	requests []*llm.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var reply fakeReply
	if f.replyFn == nil {
		if len(f.replies) > 1 {
			reply, f.replies = f.replies[0], f.replies[1:]
		} else if len(f.replies) == 1 {
			reply = f.replies[0]
		}
	}
	fn := f.replyFn
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}

	if reply.delay > 0 {
		select {
		case <-time.After(reply.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &llm.ChatResponse{Content: reply.content, Model: req.Model}, nil
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Available() bool { return true }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeProvider) request(i int) *llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeSearch struct {
	results []SearchResult
	err     error
}

func (f *fakeSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return f.results, f.err
}

type fakeMailer struct {
	sent []Email
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg Email) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func testRegistry(provider llm.Provider, search SearchProvider, mailer Mailer) *Registry {
	cfg := config.Default()
	return NewRegistry(Deps{
		Provider:     provider,
		Registry:     models.NewRegistry(cfg.Pipelines, cfg.Router.Model),
		Search:       search,
		Mailer:       mailer,
		ContextTurns: 4,
	})
}

func testRoute(category types.Category, priority types.Priority, complexity float64) types.Route {
	return types.Route{
		Category:   category,
		Priority:   priority,
		Complexity: complexity,
		Confidence: 0.9,
	}
}

func testRequest(text string) *types.Request {
	return &types.Request{
		ID:         "req-1",
		SessionID:  "sess-1",
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestGenericPipelineSuccess(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "  hello there  "}}}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryGeneric)
	result := p.Execute(context.Background(), testRoute(types.CategoryGeneric, types.PriorityNormal, 0.2), testRequest("hi, what can you do?"), nil)

	if !result.Success {
		t.Fatalf("expected success, got kind %s", result.ErrorKind)
	}
	if result.Text != "hello there" {
		t.Errorf("expected trimmed text, got %q", result.Text)
	}
	if result.ModelUsed != config.Default().Pipelines.Generic.Primary {
		t.Errorf("expected generic primary model, got %q", result.ModelUsed)
	}
}

func TestRegistryFallsBackToGeneric(t *testing.T) {
	reg := testRegistry(&fakeProvider{}, nil, nil)
	p := reg.ForCategory(types.Category("bogus"))
	if p.Category() != types.CategoryGeneric {
		t.Errorf("expected generic fallback, got %s", p.Category())
	}
}

func TestEscalationRetryOnFailure(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{
		{err: &llm.StatusError{Status: 500, Body: "boom"}},
		{content: "package main"},
	}}
	reg := testRegistry(provider, nil, nil)
	tiers := config.Default().Pipelines

	p := reg.ForCategory(types.CategoryCode)
	result := p.Execute(context.Background(), testRoute(types.CategoryCode, types.PriorityNormal, 0.3), testRequest("write a go web server"), nil)

	if !result.Success {
		t.Fatalf("expected escalation to recover, got kind %s", result.ErrorKind)
	}
	if provider.calls() != 2 {
		t.Fatalf("expected 2 calls (primary + escalation), got %d", provider.calls())
	}
	if got := provider.request(0).Model; got != tiers.Code.Primary {
		t.Errorf("first call should use primary %q, got %q", tiers.Code.Primary, got)
	}
	if got := provider.request(1).Model; got != tiers.Code.Escalation {
		t.Errorf("retry should use escalation %q, got %q", tiers.Code.Escalation, got)
	}
	if result.ModelUsed != tiers.Code.Escalation {
		t.Errorf("result should report escalation model, got %q", result.ModelUsed)
	}
}

func TestUrgentPriorityDisablesEscalation(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{
		{err: &llm.StatusError{Status: 500, Body: "boom"}},
	}}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryCode)
	result := p.Execute(context.Background(), testRoute(types.CategoryCode, types.PriorityUrgent, 0.3), testRequest("fix this now"), nil)

	if result.Success {
		t.Fatal("expected failure without escalation")
	}
	if result.ErrorKind != types.ErrorBackendUnavailable {
		t.Errorf("expected backend_unavailable, got %s", result.ErrorKind)
	}
	if provider.calls() != 1 {
		t.Errorf("urgent request must not retry, got %d calls", provider.calls())
	}
}

func TestHighComplexityStartsOnEscalationTier(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "done"}}}
	reg := testRegistry(provider, nil, nil)
	tiers := config.Default().Pipelines

	p := reg.ForCategory(types.CategoryCode)
	result := p.Execute(context.Background(), testRoute(types.CategoryCode, types.PriorityNormal, 0.9), testRequest("refactor this whole service"), nil)

	if !result.Success {
		t.Fatalf("expected success, got kind %s", result.ErrorKind)
	}
	if provider.calls() != 1 {
		t.Fatalf("expected a single call, got %d", provider.calls())
	}
	if got := provider.request(0).Model; got != tiers.Code.Escalation {
		t.Errorf("complex request should start on escalation %q, got %q", tiers.Code.Escalation, got)
	}
}

func TestTierTimeoutMapsToBackendTimeout(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "late", delay: time.Second}}}
	cfg := config.Default()
	cfg.Pipelines.Generic.Timeout = 50 * time.Millisecond

	reg := NewRegistry(Deps{
		Provider:     provider,
		Registry:     models.NewRegistry(cfg.Pipelines, cfg.Router.Model),
		ContextTurns: 4,
	})

	p := reg.ForCategory(types.CategoryGeneric)
	result := p.Execute(context.Background(), testRoute(types.CategoryGeneric, types.PriorityNormal, 0.2), testRequest("hello"), nil)

	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.ErrorKind != types.ErrorBackendTimeout {
		t.Errorf("expected backend_timeout, got %s", result.ErrorKind)
	}
}

func TestHistoryEntersPrompt(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "ok"}}}
	reg := testRegistry(provider, nil, nil)

	session := &types.Session{
		ID: "sess-1",
		History: []types.Turn{
			{Role: types.RoleUser, Text: "first question"},
			{Role: types.RoleAssistant, Text: "first answer"},
		},
	}

	p := reg.ForCategory(types.CategoryGeneric)
	p.Execute(context.Background(), testRoute(types.CategoryGeneric, types.PriorityNormal, 0.2), testRequest("follow up"), session)

	req := provider.request(0)
	if len(req.Messages) != 3 {
		t.Fatalf("expected history + user message, got %d messages", len(req.Messages))
	}
	if req.Messages[0].Content != "first question" || req.Messages[0].Role != "user" {
		t.Errorf("unexpected first history message: %+v", req.Messages[0])
	}
	if req.Messages[2].Content != "follow up" {
		t.Errorf("final message should be the new request, got %q", req.Messages[2].Content)
	}
}

func TestVisionWithoutImageIsCapabilityMismatch(t *testing.T) {
	provider := &fakeProvider{}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryVision)
	result := p.Execute(context.Background(), testRoute(types.CategoryVision, types.PriorityNormal, 0.2), testRequest("what is in this picture?"), nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorKind != types.ErrorCapabilityMismatch {
		t.Errorf("expected capability_mismatch, got %s", result.ErrorKind)
	}
	if provider.calls() != 0 {
		t.Errorf("no model call should happen without an image, got %d", provider.calls())
	}
}

func TestVisionEncodesAttachment(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "a cat"}}}
	reg := testRegistry(provider, nil, nil)

	req := testRequest("what animal is this?")
	req.Attachments = []types.Attachment{{Kind: types.AttachmentImage, Name: "cat.png", Data: []byte{0x89, 0x50, 0x4e, 0x47}}}

	p := reg.ForCategory(types.CategoryVision)
	result := p.Execute(context.Background(), testRoute(types.CategoryVision, types.PriorityNormal, 0.2), req, nil)

	if !result.Success {
		t.Fatalf("expected success, got kind %s", result.ErrorKind)
	}
	sent := provider.request(0)
	last := sent.Messages[len(sent.Messages)-1]
	if len(last.Images) != 1 {
		t.Fatalf("expected 1 encoded image, got %d", len(last.Images))
	}
	if last.Images[0] != "iVBORw==" {
		t.Errorf("unexpected base64 payload %q", last.Images[0])
	}
}

func TestAnalysisMergesBothHalves(t *testing.T) {
	provider := &fakeProvider{
		replyFn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			if strings.Contains(req.SystemPrompt, "précis") {
				return &llm.ChatResponse{Content: "the summary"}, nil
			}
			return &llm.ChatResponse{Content: "the reasoning"}, nil
		},
	}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryAnalysis)
	result := p.Execute(context.Background(), testRoute(types.CategoryAnalysis, types.PriorityNormal, 0.4), testRequest("compare these two architectures"), nil)

	if !result.Success {
		t.Fatalf("expected success, got kind %s", result.ErrorKind)
	}
	if !strings.Contains(result.Text, "the summary") || !strings.Contains(result.Text, "the reasoning") {
		t.Errorf("expected both halves in %q", result.Text)
	}
	if provider.calls() != 2 {
		t.Errorf("expected 2 parallel calls, got %d", provider.calls())
	}
}

func TestAnalysisSurvivesOneFailedHalf(t *testing.T) {
	provider := &fakeProvider{
		replyFn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			if strings.Contains(req.SystemPrompt, "précis") {
				return nil, &llm.StatusError{Status: 500, Body: "boom"}
			}
			return &llm.ChatResponse{Content: "the reasoning"}, nil
		},
	}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryAnalysis)
	result := p.Execute(context.Background(), testRoute(types.CategoryAnalysis, types.PriorityNormal, 0.4), testRequest("compare these"), nil)

	if !result.Success {
		t.Fatalf("one good half should carry the result, got kind %s", result.ErrorKind)
	}
	if result.Text != "the reasoning" {
		t.Errorf("expected the surviving half, got %q", result.Text)
	}
}

func TestAnalysisBothHalvesFailed(t *testing.T) {
	provider := &fakeProvider{
		replyFn: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryAnalysis)
	result := p.Execute(context.Background(), testRoute(types.CategoryAnalysis, types.PriorityNormal, 0.4), testRequest("compare these"), nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorKind == types.ErrorNone {
		t.Error("failed result must carry an error kind")
	}
}

func TestSearchGroundsOnSnippets(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "answered from results"}}}
	search := &fakeSearch{results: []SearchResult{
		{Title: "Go 1.25 released", Snippet: "The Go team announced 1.25.", URL: "https://go.dev/blog"},
	}}
	reg := testRegistry(provider, search, nil)

	p := reg.ForCategory(types.CategorySearch)
	result := p.Execute(context.Background(), testRoute(types.CategorySearch, types.PriorityNormal, 0.3), testRequest("what is new in go?"), nil)

	if !result.Success {
		t.Fatalf("expected success, got kind %s", result.ErrorKind)
	}
	sent := provider.request(0)
	last := sent.Messages[len(sent.Messages)-1]
	if !strings.Contains(last.Content, "The Go team announced 1.25.") {
		t.Errorf("snippet missing from prompt: %q", last.Content)
	}
	if strings.Contains(sent.SystemPrompt, "unavailable") {
		t.Error("grounded call should not use the fallback system prompt")
	}
}

func TestSearchDegradesWhenProviderFails(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "best effort answer"}}}
	search := &fakeSearch{err: errors.New("search backend down")}
	reg := testRegistry(provider, search, nil)

	p := reg.ForCategory(types.CategorySearch)
	result := p.Execute(context.Background(), testRoute(types.CategorySearch, types.PriorityNormal, 0.3), testRequest("latest news?"), nil)

	if !result.Success {
		t.Fatalf("expected degraded success, got kind %s", result.ErrorKind)
	}
	if !strings.Contains(provider.request(0).SystemPrompt, "unavailable") {
		t.Error("degraded call should use the fallback system prompt")
	}
}

func TestEmailSendWithoutMailerIsMismatch(t *testing.T) {
	provider := &fakeProvider{}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryEmail)
	result := p.Execute(context.Background(), testRoute(types.CategoryEmail, types.PriorityNormal, 0.3), testRequest("send an email to bob about the outage"), nil)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorKind != types.ErrorCapabilityMismatch {
		t.Errorf("expected capability_mismatch, got %s", result.ErrorKind)
	}
	if provider.calls() != 0 {
		t.Errorf("no draft call should happen, got %d", provider.calls())
	}
}

func TestEmailDraftWorksWithoutMailer(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "Subject: Outage\n\nHi Bob,"}}}
	reg := testRegistry(provider, nil, nil)

	p := reg.ForCategory(types.CategoryEmail)
	result := p.Execute(context.Background(), testRoute(types.CategoryEmail, types.PriorityNormal, 0.3), testRequest("draft an email to bob about the outage"), nil)

	if !result.Success {
		t.Fatalf("drafting needs no mailer, got kind %s", result.ErrorKind)
	}
}

func TestEmailSendUsesMailer(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "Subject: Outage update\n\nHi Bob,\nAll clear."}}}
	mailer := &fakeMailer{}
	reg := testRegistry(provider, nil, mailer)

	p := reg.ForCategory(types.CategoryEmail)
	result := p.Execute(context.Background(), testRoute(types.CategoryEmail, types.PriorityNormal, 0.3), testRequest("send an email to bob about the outage"), nil)

	if !result.Success {
		t.Fatalf("expected success, got kind %s", result.ErrorKind)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("expected 1 sent email, got %d", len(mailer.sent))
	}
	if mailer.sent[0].Subject != "Outage update" {
		t.Errorf("unexpected subject %q", mailer.sent[0].Subject)
	}
	if !strings.HasPrefix(result.Text, "Sent.") {
		t.Errorf("reply should confirm the send, got %q", result.Text)
	}
}

type fakeRunner struct {
	language string
	source   string
	output   string
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, language, source string) (string, error) {
	f.language = language
	f.source = source
	return f.output, f.err
}

func TestCodeRunnerExecutesOnRequest(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "```python\nprint('hi')\n```"}}}
	runner := &fakeRunner{output: "hi\n"}
	cfg := config.Default()

	reg := NewRegistry(Deps{
		Provider:     provider,
		Registry:     models.NewRegistry(cfg.Pipelines, cfg.Router.Model),
		Runner:       runner,
		ContextTurns: 4,
	})

	p := reg.ForCategory(types.CategoryCode)
	result := p.Execute(context.Background(), testRoute(types.CategoryCode, types.PriorityNormal, 0.3), testRequest("write a python script that prints hi and run it"), nil)

	if !result.Success {
		t.Fatalf("expected success, got kind %s", result.ErrorKind)
	}
	if runner.source != "print('hi')" {
		t.Errorf("runner should receive the fenced source, got %q", runner.source)
	}
	if !strings.Contains(result.Text, "Output:") || !strings.Contains(result.Text, "hi") {
		t.Errorf("execution output missing from %q", result.Text)
	}
}

func TestCodeRunnerSkippedWithoutIntent(t *testing.T) {
	provider := &fakeProvider{replies: []fakeReply{{content: "```python\nprint('hi')\n```"}}}
	runner := &fakeRunner{output: "hi\n"}
	cfg := config.Default()

	reg := NewRegistry(Deps{
		Provider:     provider,
		Registry:     models.NewRegistry(cfg.Pipelines, cfg.Router.Model),
		Runner:       runner,
		ContextTurns: 4,
	})

	p := reg.ForCategory(types.CategoryCode)
	result := p.Execute(context.Background(), testRoute(types.CategoryCode, types.PriorityNormal, 0.3), testRequest("write a python script that prints hi"), nil)

	if runner.source != "" {
		t.Error("runner must not fire without explicit intent")
	}
	if strings.Contains(result.Text, "Output:") {
		t.Errorf("no execution output expected in %q", result.Text)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"write a python script to parse csv", "python"},
		{"fix this rust borrow checker error", "rust"},
		{"select * from users where sql is slow", "sql"},
		{"make me a sandwich", ""},
	}
	for _, tt := range tests {
		if got := DetectLanguage(tt.text); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestEnsureFenced(t *testing.T) {
	raw := "package main\n\nfunc main() {\n}"
	fenced := ensureFenced(raw, "go")
	if !strings.HasPrefix(fenced, "```go\n") || !strings.HasSuffix(fenced, "\n```") {
		t.Errorf("raw code should be fenced, got %q", fenced)
	}

	already := "Here you go:\n```go\nfunc main() {}\n```"
	if got := ensureFenced(already, "go"); got != already {
		t.Errorf("fenced text must be untouched, got %q", got)
	}

	prose := "You should use a map here because lookups are O(1)."
	if got := ensureFenced(prose, ""); got != prose {
		t.Errorf("prose must be untouched, got %q", got)
	}
}

func TestSynthesizerFormat(t *testing.T) {
	s := NewSynthesizer()

	if got := s.Format(nil); got != degradedFallback {
		t.Errorf("nil result should fall back, got %q", got)
	}

	ok := &types.PipelineResult{Success: true, Text: "  the answer  "}
	if got := s.Format(ok); got != "the answer" {
		t.Errorf("success should be trimmed text, got %q", got)
	}

	timedOut := types.Failure(types.CategoryCode, types.ErrorBackendTimeout, time.Second)
	if got := s.Format(timedOut); !strings.Contains(got, "took too long") {
		t.Errorf("timeout should surface the timeout message, got %q", got)
	}

	mismatch := types.Failure(types.CategoryVision, types.ErrorCapabilityMismatch, 0)
	mismatch.Text = "I need an image attached."
	got := s.Format(mismatch)
	if !strings.Contains(got, "I need an image attached.") {
		t.Errorf("advisory text should follow the apology, got %q", got)
	}
}

func TestSynthesizerCoversEveryErrorKind(t *testing.T) {
	s := NewSynthesizer()
	kinds := []types.ErrorKind{
		types.ErrorClassificationFailure,
		types.ErrorCapabilityMismatch,
		types.ErrorBackendUnavailable,
		types.ErrorBackendTimeout,
		types.ErrorInvalidOutput,
		types.ErrorMemoryStoreFailure,
		types.ErrorTimeout,
		types.ErrorKind("unmapped_future_kind"),
	}
	for _, kind := range kinds {
		if got := s.Format(types.Failure(types.CategoryGeneric, kind, 0)); strings.TrimSpace(got) == "" {
			t.Errorf("empty degraded reply for kind %q", kind)
		}
	}
}
