// Package router implements the Fast/Slow request classification system.
// It decides which specialist pipeline handles a request: a weighted
// keyword pass answers most requests in microseconds, and a small LLM
// breaks ties when the keyword pass is ambiguous.
package router

import (
	"context"
	"time"

	"github.com/normanking/dispatch/pkg/types"
)

// ClassificationPath indicates which classification method produced a route.
type ClassificationPath string

const (
	// PathFast indicates keyword-based classification was used.
	PathFast ClassificationPath = "fast"
	// PathSlow indicates semantic (LLM) classification was used.
	PathSlow ClassificationPath = "slow"
	// PathAttachment indicates an attachment forced the category.
	PathAttachment ClassificationPath = "attachment"
	// PathFallback indicates classification failed and the safe default was used.
	PathFallback ClassificationPath = "fallback"
)

// Decision wraps the route with classification metadata for logging
// and stats.
type Decision struct {
	Route    types.Route        `json:"route"`
	Path     ClassificationPath `json:"path"`
	Greeting bool               `json:"greeting,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Stats tracks routing statistics for monitoring and tuning.
type Stats struct {
	// FastHits is the number of requests classified via fast path.
	FastHits int64 `json:"fast_hits"`

	// SlowHits is the number of requests classified via slow path.
	SlowHits int64 `json:"slow_hits"`

	// AttachmentHits is the number of attachment-forced classifications.
	AttachmentHits int64 `json:"attachment_hits"`

	// FallbackCount is the number of classifications that failed entirely.
	FallbackCount int64 `json:"fallback_count"`

	// AmbiguousCount is the number of ambiguous requests that needed slow path.
	AmbiguousCount int64 `json:"ambiguous_count"`

	// TotalRequests is the total number of routing requests.
	TotalRequests int64 `json:"total_requests"`

	// AverageConfidence is the running average confidence score.
	AverageConfidence float64 `json:"average_confidence"`

	// CategoryDistribution tracks how often each category is chosen.
	CategoryDistribution map[types.Category]int64 `json:"category_distribution"`
}

// FastPathRatio returns the percentage of requests handled by the fast path.
func (s *Stats) FastPathRatio() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.FastHits) / float64(s.TotalRequests) * 100
}

// LLMClassifier is the interface for semantic classification via LLM.
type LLMClassifier interface {
	// Classify uses an LLM to semantically classify a user request.
	Classify(ctx context.Context, input string) (types.Category, float64, error)
}
