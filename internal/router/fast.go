package router

import (
	"regexp"
	"strings"

	"github.com/normanking/dispatch/pkg/types"
)

// FastClassifier implements keyword-based intent classification.
// It's designed for speed (~1ms) and handles most requests confidently.
type FastClassifier struct {
	patterns map[types.Category][]*compiledPattern
}

// compiledPattern holds a pre-compiled regex with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64 // Higher weight = stronger signal
}

// NewFastClassifier creates a new keyword classifier with optimized patterns.
func NewFastClassifier() *FastClassifier {
	return &FastClassifier{
		patterns: buildPatterns(),
	}
}

// Classify analyzes input and returns the best category with confidence.
// Returns CategoryGeneric with low confidence if no strong match is found.
func (c *FastClassifier) Classify(input string) (types.Category, float64) {
	lower := strings.ToLower(input)

	// Calculate weighted scores per category
	scores := make(map[types.Category]float64)
	matchCounts := make(map[types.Category]int)

	for category, patterns := range c.patterns {
		for _, p := range patterns {
			if p.regex.MatchString(lower) {
				scores[category] += p.weight
				matchCounts[category]++
			}
		}
	}

	// Find best match
	var bestCategory = types.CategoryGeneric
	var bestScore float64
	var totalScore float64

	for category, score := range scores {
		totalScore += score
		if score > bestScore {
			bestScore = score
			bestCategory = category
		}
	}

	if totalScore == 0 {
		// No patterns matched
		return types.CategoryGeneric, 0.4
	}

	// Base confidence is the proportion of the best score
	confidence := bestScore / totalScore

	// Boost confidence based on match quality
	if len(scores) == 1 {
		// Only one category matched
		confidence = min(confidence+0.25, 1.0)
	}

	if matchCounts[bestCategory] >= 2 {
		// Multiple patterns matched for the same category
		confidence = min(confidence+0.1, 1.0)
	}

	// Penalize if multiple categories have similar scores
	if len(scores) > 1 {
		secondBest := findSecondBest(scores, bestCategory)
		if secondBest > 0 && (bestScore-secondBest)/bestScore < 0.3 {
			confidence *= 0.8
		}
	}

	return bestCategory, confidence
}

// findSecondBest returns the second highest score.
func findSecondBest(scores map[types.Category]float64, best types.Category) float64 {
	var second float64
	for category, score := range scores {
		if category != best && score > second {
			second = score
		}
	}
	return second
}

// buildPatterns creates the regex patterns for each category.
// Patterns are weighted: higher weight = stronger signal.
func buildPatterns() map[types.Category][]*compiledPattern {
	return map[types.Category][]*compiledPattern{
		types.CategoryCode: {
			{regexp.MustCompile(`\b(write|create|generate|implement|build)\s+(a|an|the|me)?\s*(new\s+)?(function|class|script|program|code|api|endpoint)\b`), 1.2},
			{regexp.MustCompile(`\b(debug|fix|refactor)\s+(this|my|the)?\s*(code|function|script|bug|error)\b`), 1.1},
			{regexp.MustCompile(`\b(python|golang|javascript|typescript|rust|java|sql|bash|regex)\b`), 1.0},
			{regexp.MustCompile(`\b(compile|syntax|traceback|stacktrace|exception|unit\s+test)\b`), 1.0},
			{regexp.MustCompile(`\bwrite\s+(me\s+)?(some\s+)?code\b`), 1.1},
			{regexp.MustCompile("```"), 1.2},
		},

		types.CategoryVision: {
			{regexp.MustCompile(`\b(image|photo|picture|screenshot|diagram)\b`), 1.1},
			{regexp.MustCompile(`\bwhat('s|\s+is)\s+(in|on)\s+(this|the)\s+(image|photo|picture|screen)\b`), 1.2},
			{regexp.MustCompile(`\b(describe|analyze|look\s+at)\s+(this|the)\s+(image|photo|picture|attachment)\b`), 1.2},
			{regexp.MustCompile(`\b(ocr|read\s+the\s+text\s+(in|from))\b`), 1.0},
			{regexp.MustCompile(`\bvisual(ly)?\b`), 0.7},
		},

		types.CategoryAnalysis: {
			{regexp.MustCompile(`\b(analyze|analysis|compare|evaluate|assess)\b`), 1.0},
			{regexp.MustCompile(`\b(summarize|summary|synthesize)\s+(this|the|these)\b`), 1.0},
			{regexp.MustCompile(`\b(pros?\s+and\s+cons?|trade-?offs?)\b`), 1.0},
			{regexp.MustCompile(`\b(statistics|trend|pattern|correlation|data\s*set)\b`), 0.9},
			{regexp.MustCompile(`\b(deep|detailed|thorough)\s+(dive|review|analysis|report)\b`), 1.1},
			{regexp.MustCompile(`\bwhy\s+(is|are|does|do|did)\b.{10,}`), 0.6},
		},

		types.CategorySearch: {
			{regexp.MustCompile(`\b(search|look\s*up|find)\s+(for|about|info|information)?\b`), 1.0},
			{regexp.MustCompile(`\b(latest|recent|current|today'?s?)\s+(news|weather|price|version|release)\b`), 1.2},
			{regexp.MustCompile(`\bwhat('s|\s+is)\s+the\s+(latest|current|weather|price|score)\b`), 1.1},
			{regexp.MustCompile(`\b(who|when|where)\s+(is|was|are|did|does)\b`), 0.7},
			{regexp.MustCompile(`\bhow\s+(much|many)\b`), 0.6},
		},

		types.CategoryEmail: {
			{regexp.MustCompile(`\b(email|e-mail|mail)\b`), 1.0},
			{regexp.MustCompile(`\b(write|draft|compose|send)\s+(an?\s+)?(email|reply|response|message)\b`), 1.2},
			{regexp.MustCompile(`\b(reply|respond)\s+to\b`), 0.9},
			{regexp.MustCompile(`\b(subject\s+line|inbox|recipient|cc|bcc)\b`), 1.0},
			{regexp.MustCompile(`\b(formal|professional|polite)\s+(tone|reply|response|message)\b`), 0.8},
		},
	}
}

// Priority keywords promote a request to the urgent budget.
var urgentPattern = regexp.MustCompile(`\b(urgent|urgently|asap|immediately|critical|emergency|right\s+now)\b`)

// DetectPriority scans input for urgency markers.
func DetectPriority(input string) types.Priority {
	if urgentPattern.MatchString(strings.ToLower(input)) {
		return types.PriorityUrgent
	}
	return types.PriorityNormal
}

// Greeting short-circuit: trivial salutations skip classification and
// pipelines entirely.
var greetingPattern = regexp.MustCompile(`^(hi|hello|hey|yo|howdy|good\s+(morning|afternoon|evening)|thanks|thank\s+you|bye|goodbye)[\s!.,?]*$`)

// IsGreeting reports whether input is a bare salutation.
func IsGreeting(input string) bool {
	return greetingPattern.MatchString(strings.ToLower(strings.TrimSpace(input)))
}

// EstimateComplexity scores how demanding a request looks, 0.0 to 1.0.
// Long prompts, multi-part asks, and depth markers raise the score; the
// score feeds tier escalation inside pipelines.
func EstimateComplexity(input string) float64 {
	score := 0.0

	words := len(strings.Fields(input))
	switch {
	case words > 150:
		score += 0.4
	case words > 60:
		score += 0.25
	case words > 25:
		score += 0.1
	}

	lower := strings.ToLower(input)
	depthMarkers := []string{
		"step by step", "in detail", "comprehensive", "thorough",
		"production-ready", "edge cases", "optimize", "architecture",
	}
	for _, marker := range depthMarkers {
		if strings.Contains(lower, marker) {
			score += 0.15
		}
	}

	// Multi-part requests ("and also", numbered lists)
	if strings.Contains(lower, "and also") || regexp.MustCompile(`(?m)^\s*\d+[.)]`).MatchString(input) {
		score += 0.15
	}

	return min(score, 1.0)
}

// min returns the smaller of two float64 values.
func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
