package pipeline

import (
	"strings"

	"github.com/normanking/dispatch/pkg/types"
)

// degradedMessages maps each failure kind to the user-facing apology the
// synthesizer leads with. The advisory text of a failed result may follow
// it, but a raw failure never reaches the user verbatim.
var degradedMessages = map[types.ErrorKind]string{
	types.ErrorClassificationFailure: "I couldn't work out what kind of request this is, so I handled it generally.",
	types.ErrorCapabilityMismatch:    "I can't do that with what this deployment has available.",
	types.ErrorBackendUnavailable:    "The model backend isn't reachable right now. Please try again shortly.",
	types.ErrorBackendTimeout:        "The model took too long to respond. Please try again, or simplify the request.",
	types.ErrorInvalidOutput:         "The model returned an unusable response. Please try rephrasing the request.",
	types.ErrorMemoryStoreFailure:    "I answered, but couldn't save this exchange to the conversation history.",
	types.ErrorTimeout:               "This request ran out of time before finishing.",
}

const degradedFallback = "Something went wrong handling this request. Please try again."

// Synthesizer turns a pipeline result into the final reply text. It is
// the last stage of every dispatch and never fails: successful results
// are tidied, failed ones become a degraded-but-honest reply.
type Synthesizer struct{}

// NewSynthesizer returns a ready synthesizer.
func NewSynthesizer() *Synthesizer { return &Synthesizer{} }

// Format renders the result as the reply returned to the caller.
func (s *Synthesizer) Format(result *types.PipelineResult) string {
	if result == nil {
		return degradedFallback
	}
	if result.Success {
		text := strings.TrimSpace(result.Text)
		if text == "" {
			return degradedMessages[types.ErrorInvalidOutput]
		}
		return text
	}
	return s.degraded(result)
}

func (s *Synthesizer) degraded(result *types.PipelineResult) string {
	msg, ok := degradedMessages[result.ErrorKind]
	if !ok {
		msg = degradedFallback
	}

	advisory := strings.TrimSpace(result.Text)
	if advisory == "" {
		return msg
	}
	return msg + "\n\n" + advisory
}
