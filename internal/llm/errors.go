package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/normanking/dispatch/pkg/types"
)

// ErrEmptyResponse is returned when the backend closed the stream
// without producing any content.
var ErrEmptyResponse = errors.New("empty response from backend")

// TimeoutPhase names which timeout phase expired during a call.
type TimeoutPhase string

const (
	PhaseFirstToken TimeoutPhase = "first_token"
	PhaseStreamIdle TimeoutPhase = "stream_idle"
)

// TimeoutError reports which phase of a backend call timed out.
type TimeoutError struct {
	Phase   TimeoutPhase
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	switch e.Phase {
	case PhaseFirstToken:
		return fmt.Sprintf("timeout waiting for first token (waited %v, limit %v)", e.Elapsed, e.Limit)
	default:
		return fmt.Sprintf("stream idle timeout (no token received for %v)", e.Limit)
	}
}

// StatusError reports a non-200 HTTP response from the backend.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama error (status %d): %s", e.Status, e.Body)
}

// Kind maps a backend call error to the dispatch error taxonomy.
// Expected failures become tagged result variants upstream; this is
// the single place where transport errors are interpreted.
func Kind(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorNone
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return types.ErrorBackendTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorBackendTimeout
	}
	if errors.Is(err, ErrEmptyResponse) {
		return types.ErrorInvalidOutput
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		// 404 means the model is not pulled; anything else is the
		// backend misbehaving.
		return types.ErrorBackendUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.ErrorBackendTimeout
		}
		return types.ErrorBackendUnavailable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.ErrorBackendUnavailable
	}

	return types.ErrorBackendUnavailable
}
