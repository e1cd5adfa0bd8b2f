package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/dispatch/internal/models"
	"github.com/normanking/dispatch/pkg/types"
)

const (
	// DefaultFastPathThreshold is the minimum confidence for the fast path.
	// Below this threshold, semantic classification is used.
	DefaultFastPathThreshold = 0.75

	// continuityBias is added to the keyword confidence when the best
	// category matches the session's previous category. Conversations
	// tend to stay on topic, so a borderline match that continues the
	// thread should not pay for a semantic round-trip.
	continuityBias = 0.15
)

// Router implements the Fast/Slow classification pattern. It tries fast
// keyword classification first, falling back to semantic classification
// when confidence is below the threshold. Route never fails: a total
// classification failure yields the safe default route.
type Router struct {
	fast      *FastClassifier
	slow      *SlowClassifier
	registry  *models.Registry
	threshold float64

	// Statistics (thread-safe)
	stats Stats
	mu    sync.RWMutex
}

// Option is a functional option for configuring Router.
type Option func(*Router)

// WithFastPathThreshold sets a custom fast-path confidence threshold.
func WithFastPathThreshold(threshold float64) Option {
	return func(r *Router) {
		r.threshold = threshold
	}
}

// WithSlowClassifier sets the semantic classifier. Without one, the
// keyword result is always used.
func WithSlowClassifier(slow *SlowClassifier) Option {
	return func(r *Router) {
		r.slow = slow
	}
}

// New creates a Router resolving target models through the registry.
func New(registry *models.Registry, opts ...Option) *Router {
	r := &Router{
		fast:      NewFastClassifier(),
		registry:  registry,
		threshold: DefaultFastPathThreshold,
		stats: Stats{
			CategoryDistribution: make(map[types.Category]int64),
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Route classifies a request and returns a routing decision. The session
// may be nil; when present, its last category biases borderline keyword
// matches toward conversational continuity. The returned decision is
// always usable; errors inside classification collapse to the generic
// category rather than propagating.
func (r *Router) Route(ctx context.Context, req *types.Request, session *types.Session) *Decision {
	start := time.Now()
	priority := DetectPriority(req.Text)
	complexity := EstimateComplexity(req.Text)

	// Bare salutations skip pipelines entirely.
	if IsGreeting(req.Text) && len(req.Attachments) == 0 {
		d := r.buildDecision(types.CategoryGeneric, priority, 1.0, complexity, false, PathFast, start)
		d.Greeting = true
		return d
	}

	// An image attachment forces the vision pipeline regardless of text.
	if req.HasAttachment(types.AttachmentImage) {
		return r.buildDecision(types.CategoryVision, priority, 1.0, complexity, false, PathAttachment, start)
	}

	// Fast path: keyword classification with confidence
	category, confidence := r.fast.Classify(req.Text)

	// A borderline match that continues the session's last category
	// gets a continuity nudge. This only applies when keywords actually
	// matched; it never turns a non-match into a routed category.
	if session != nil && session.LastCategory == category &&
		category != types.CategoryGeneric && confidence > 0 {
		confidence = min(confidence+continuityBias, 1.0)
	}

	if confidence >= r.threshold {
		return r.buildDecision(category, priority, confidence, complexity, false, PathFast, start)
	}

	// Slow path: semantic classification (only when ambiguous and enabled)
	r.mu.Lock()
	r.stats.AmbiguousCount++
	r.mu.Unlock()

	if r.slow != nil {
		semanticCategory, semanticConfidence, err := r.slow.Classify(ctx, req.Text)
		if err == nil {
			return r.buildDecision(semanticCategory, priority, semanticConfidence, complexity, false, PathSlow, start)
		}

		log.Warn().Err(err).Str("request_id", req.ID).Msg("semantic classification failed")

		// The keyword result survives a slow-path error as long as it
		// actually matched something. Generic here means nothing matched,
		// so classification failed outright: take the safe default.
		if category == types.CategoryGeneric {
			return r.buildDecision(types.CategoryGeneric, types.PriorityNormal, 0, complexity, true, PathFallback, start)
		}
	}

	// Fall back to the keyword result (even with low confidence)
	return r.buildDecision(category, priority, confidence, complexity, false, PathFast, start)
}

// buildDecision constructs a Decision, resolves the target model, and
// updates statistics.
func (r *Router) buildDecision(
	category types.Category,
	priority types.Priority,
	confidence float64,
	complexity float64,
	fallback bool,
	path ClassificationPath,
	start time.Time,
) *Decision {
	duration := time.Since(start)

	r.mu.Lock()
	r.stats.TotalRequests++
	switch path {
	case PathFast:
		r.stats.FastHits++
	case PathSlow:
		r.stats.SlowHits++
	case PathAttachment:
		r.stats.AttachmentHits++
	case PathFallback:
		r.stats.FallbackCount++
	}
	r.stats.CategoryDistribution[category]++
	total := float64(r.stats.TotalRequests)
	r.stats.AverageConfidence = (r.stats.AverageConfidence*(total-1) + confidence) / total
	r.mu.Unlock()

	target := ""
	if r.registry != nil {
		target = r.registry.TierFor(category).Primary
	}

	log.Debug().
		Str("category", category.String()).
		Str("priority", string(priority)).
		Float64("confidence", confidence).
		Str("path", string(path)).
		Dur("duration", duration).
		Msg("request classified")

	return &Decision{
		Route: types.Route{
			Category:      category,
			Priority:      priority,
			TargetModelID: target,
			Confidence:    confidence,
			Complexity:    complexity,
			FallbackUsed:  fallback,
			ClassifiedAt:  time.Now(),
		},
		Path:     path,
		Duration: duration,
	}
}

// Stats returns a copy of the current routing statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	distCopy := make(map[types.Category]int64, len(r.stats.CategoryDistribution))
	for k, v := range r.stats.CategoryDistribution {
		distCopy[k] = v
	}

	statsCopy := r.stats
	statsCopy.CategoryDistribution = distCopy
	return statsCopy
}

// ResetStats resets all routing statistics.
func (r *Router) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats = Stats{
		CategoryDistribution: make(map[types.Category]int64),
	}
}
