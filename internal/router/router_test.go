package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/normanking/dispatch/internal/config"
	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/internal/models"
	"github.com/normanking/dispatch/pkg/types"
)

// fakeProvider returns canned responses for slow-path tests.
type fakeProvider struct {
	content string
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content, Model: req.Model}, nil
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Available() bool { return true }

func testRouter(opts ...Option) *Router {
	registry := models.NewRegistry(config.Default().Pipelines, "gemma3:1b")
	return New(registry, opts...)
}

func request(text string) *types.Request {
	return &types.Request{ID: "req-1", SessionID: "s-1", Text: text, ReceivedAt: time.Now()}
}

func TestFastClassify(t *testing.T) {
	classifier := NewFastClassifier()

	tests := []struct {
		input    string
		expected types.Category
	}{
		{"write me a python function to parse CSV files", types.CategoryCode},
		{"fix this error in my javascript code", types.CategoryCode},
		{"what's in this image?", types.CategoryVision},
		{"describe this photo for me", types.CategoryVision},
		{"analyze the pros and cons of these two approaches", types.CategoryAnalysis},
		{"summarize this report in detail", types.CategoryAnalysis},
		{"what's the latest news about the election", types.CategorySearch},
		{"search for information about solar panels", types.CategorySearch},
		{"draft an email to my boss about the deadline", types.CategoryEmail},
		{"write a polite reply to this message", types.CategoryEmail},
	}

	for _, tt := range tests {
		category, confidence := classifier.Classify(tt.input)
		if category != tt.expected {
			t.Errorf("Classify(%q) = %s (%.2f), want %s", tt.input, category, confidence, tt.expected)
		}
	}
}

func TestFastClassifyNoMatch(t *testing.T) {
	classifier := NewFastClassifier()

	category, confidence := classifier.Classify("blue is a nice color")
	if category != types.CategoryGeneric {
		t.Errorf("expected generic, got %s", category)
	}
	if confidence >= DefaultFastPathThreshold {
		t.Errorf("no-match confidence %.2f should be below threshold", confidence)
	}
}

func TestDetectPriority(t *testing.T) {
	tests := []struct {
		input    string
		expected types.Priority
	}{
		{"fix this ASAP please", types.PriorityUrgent},
		{"this is urgent: the server is down", types.PriorityUrgent},
		{"critical bug in production", types.PriorityUrgent},
		{"respond immediately", types.PriorityUrgent},
		{"when you get a chance, review this", types.PriorityNormal},
		{"write a haiku", types.PriorityNormal},
	}

	for _, tt := range tests {
		if got := DetectPriority(tt.input); got != tt.expected {
			t.Errorf("DetectPriority(%q) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}

func TestIsGreeting(t *testing.T) {
	greetings := []string{"hi", "Hello!", "hey ", "good morning", "thanks!", "Goodbye."}
	for _, g := range greetings {
		if !IsGreeting(g) {
			t.Errorf("IsGreeting(%q) = false, want true", g)
		}
	}

	notGreetings := []string{"hi, can you fix this bug?", "hello world in python", "thank you note for my aunt"}
	for _, g := range notGreetings {
		if IsGreeting(g) {
			t.Errorf("IsGreeting(%q) = true, want false", g)
		}
	}
}

func TestEstimateComplexity(t *testing.T) {
	simple := EstimateComplexity("what time is it")
	if simple > 0.2 {
		t.Errorf("simple request scored %.2f, want <= 0.2", simple)
	}

	complex := EstimateComplexity(`Design a comprehensive, production-ready architecture for a
	distributed task queue. Walk through it step by step, cover edge cases, and also
	explain how you would optimize throughput under contention. Consider failure modes,
	backpressure, exactly-once semantics, and operational monitoring in detail.`)
	if complex < 0.5 {
		t.Errorf("complex request scored %.2f, want >= 0.5", complex)
	}
}

func TestRouteGreetingShortCircuit(t *testing.T) {
	r := testRouter()

	d := r.Route(context.Background(), request("hello!"), nil)
	if !d.Greeting {
		t.Error("expected greeting flag")
	}
	if d.Route.Category != types.CategoryGeneric {
		t.Errorf("expected generic category, got %s", d.Route.Category)
	}
}

func TestRouteAttachmentForcesVision(t *testing.T) {
	r := testRouter()

	req := request("what do you make of this?")
	req.Attachments = []types.Attachment{{Kind: types.AttachmentImage, Name: "chart.png"}}

	d := r.Route(context.Background(), req, nil)
	if d.Route.Category != types.CategoryVision {
		t.Errorf("expected vision, got %s", d.Route.Category)
	}
	if d.Path != PathAttachment {
		t.Errorf("expected attachment path, got %s", d.Path)
	}
	if d.Route.TargetModelID == "" {
		t.Error("expected target model to be resolved")
	}
}

func TestRouteFastPath(t *testing.T) {
	provider := &fakeProvider{content: `{"category": "email"}`}
	slow := NewSlowClassifier(provider, "gemma3:1b", time.Second)
	r := testRouter(WithSlowClassifier(slow))

	d := r.Route(context.Background(), request("write me a python function to reverse a string"), nil)
	if d.Route.Category != types.CategoryCode {
		t.Errorf("expected code, got %s", d.Route.Category)
	}
	if d.Path != PathFast {
		t.Errorf("expected fast path, got %s", d.Path)
	}
	if provider.calls != 0 {
		t.Errorf("fast path should not call the LLM, got %d calls", provider.calls)
	}
}

func TestRouteSlowPathOnAmbiguity(t *testing.T) {
	provider := &fakeProvider{content: `{"category": "analysis"}`}
	slow := NewSlowClassifier(provider, "gemma3:1b", time.Second)
	r := testRouter(WithSlowClassifier(slow))

	// Weak signal: matches nothing strongly.
	d := r.Route(context.Background(), request("hmm, thoughts on the quarterly numbers maybe"), nil)
	if provider.calls != 1 {
		t.Fatalf("expected 1 LLM call, got %d", provider.calls)
	}
	if d.Route.Category != types.CategoryAnalysis {
		t.Errorf("expected analysis from slow path, got %s", d.Route.Category)
	}
	if d.Path != PathSlow {
		t.Errorf("expected slow path, got %s", d.Path)
	}
}

func TestRouteSlowFailureKeepsKeywordResult(t *testing.T) {
	provider := &fakeProvider{err: errors.New("backend down")}
	slow := NewSlowClassifier(provider, "gemma3:1b", time.Second)
	r := testRouter(WithSlowClassifier(slow))

	// Mixed weak signals force the slow path, which fails; the keyword
	// result must survive.
	d := r.Route(context.Background(), request("why is the latest price trend like this"), nil)
	if provider.calls != 1 {
		t.Fatalf("expected 1 LLM call, got %d", provider.calls)
	}
	if d.Route.Category == types.CategoryGeneric {
		t.Error("keyword result should survive a slow-path error")
	}
	if d.Route.FallbackUsed {
		t.Error("keyword fallback is not a total classification failure")
	}
}

func TestRouteContinuityBiasAvoidsSlowPath(t *testing.T) {
	text := "why is the latest price trend like this"
	category, confidence := NewFastClassifier().Classify(text)
	if category == types.CategoryGeneric {
		t.Fatal("input must produce a keyword match")
	}

	provider := &fakeProvider{content: `{"category": "email"}`}
	slow := NewSlowClassifier(provider, "gemma3:1b", time.Second)
	r := testRouter(WithSlowClassifier(slow), WithFastPathThreshold(confidence+0.05))

	// Without session context the match sits below the threshold and the
	// semantic classifier decides.
	d := r.Route(context.Background(), request(text), nil)
	if d.Path != PathSlow {
		t.Fatalf("expected slow path without session context, got %s", d.Path)
	}
	if provider.calls != 1 {
		t.Fatalf("expected 1 LLM call, got %d", provider.calls)
	}

	// The same input inside a session already on that topic stays on the
	// fast path: continuity lifts a borderline match over the threshold.
	session := &types.Session{ID: "s-1", LastCategory: category}
	d = r.Route(context.Background(), request(text), session)
	if d.Path != PathFast {
		t.Errorf("expected fast path with continuity bias, got %s", d.Path)
	}
	if d.Route.Category != category {
		t.Errorf("expected %s, got %s", category, d.Route.Category)
	}
	if provider.calls != 1 {
		t.Errorf("continuity bias should not call the LLM, got %d calls", provider.calls)
	}

	// A session on a different topic gets no bias.
	other := &types.Session{ID: "s-2", LastCategory: types.CategoryEmail}
	if other.LastCategory == category {
		other.LastCategory = types.CategoryCode
	}
	d = r.Route(context.Background(), request(text), other)
	if d.Path != PathSlow {
		t.Errorf("mismatched last category must not bias, got %s", d.Path)
	}
}

func TestRouteTotalFailureYieldsDefaultRoute(t *testing.T) {
	provider := &fakeProvider{err: errors.New("backend down")}
	slow := NewSlowClassifier(provider, "gemma3:1b", time.Second)
	r := testRouter(WithSlowClassifier(slow))

	// No keyword signal at all, and the slow path fails.
	d := r.Route(context.Background(), request("mauve parasol tuesday"), nil)
	if d.Route.Category != types.CategoryGeneric {
		t.Errorf("expected generic default, got %s", d.Route.Category)
	}
	if d.Route.Priority != types.PriorityNormal {
		t.Errorf("expected normal priority, got %s", d.Route.Priority)
	}
	if d.Route.Confidence != 0 {
		t.Errorf("expected zero confidence, got %.2f", d.Route.Confidence)
	}
	if !d.Route.FallbackUsed {
		t.Error("expected fallback flag on total failure")
	}
	if d.Path != PathFallback {
		t.Errorf("expected fallback path, got %s", d.Path)
	}
}

func TestRouteSlowTimeout(t *testing.T) {
	provider := &fakeProvider{content: `{"category": "email"}`, delay: 500 * time.Millisecond}
	slow := NewSlowClassifier(provider, "gemma3:1b", 50*time.Millisecond)
	r := testRouter(WithSlowClassifier(slow))

	// Mixed weak signals keep fast-path confidence below the threshold.
	start := time.Now()
	d := r.Route(context.Background(), request("why is the latest price trend like this"), nil)
	elapsed := time.Since(start)

	if elapsed > 300*time.Millisecond {
		t.Errorf("route took %v, timeout not enforced", elapsed)
	}
	// The keyword result survives a slow-path timeout.
	if d.Route.Category == types.CategoryEmail {
		t.Error("timed-out slow result must not be used")
	}
	if d.Route.FallbackUsed {
		t.Error("keyword result survived, not a total failure")
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		response string
		expected types.Category
		wantErr  bool
	}{
		{`{"category": "code"}`, types.CategoryCode, false},
		{`{"category": "EMAIL"}`, types.CategoryEmail, false},
		{`vision`, types.CategoryVision, false},
		{`"analysis"`, types.CategoryAnalysis, false},
		{`reminder`, types.CategoryGeneric, false},
		{``, types.CategoryGeneric, true},
	}

	for _, tt := range tests {
		category, err := ParseResponse(tt.response)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseResponse(%q): expected error", tt.response)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseResponse(%q): %v", tt.response, err)
			continue
		}
		if category != tt.expected {
			t.Errorf("ParseResponse(%q) = %s, want %s", tt.response, category, tt.expected)
		}
	}
}

func TestRouterStats(t *testing.T) {
	r := testRouter()

	r.Route(context.Background(), request("write a golang function for quicksort"), nil)
	r.Route(context.Background(), request("draft an email to the team"), nil)
	r.Route(context.Background(), request("hello"), nil)

	stats := r.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("expected 3 total requests, got %d", stats.TotalRequests)
	}
	if stats.CategoryDistribution[types.CategoryCode] != 1 {
		t.Errorf("expected 1 code classification, got %d", stats.CategoryDistribution[types.CategoryCode])
	}
	if stats.AverageConfidence <= 0 {
		t.Error("expected positive average confidence")
	}

	r.ResetStats()
	if r.Stats().TotalRequests != 0 {
		t.Error("expected stats reset")
	}
}
