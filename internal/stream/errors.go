package stream

import (
	"errors"
	"fmt"
)

// Phase names the orchestrator step a LoopError happened in.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseUpstream Phase = "upstream"
	PhaseDecode   Phase = "decode"
	PhaseProvider Phase = "provider"
)

// Sentinel errors for the terminal failures of a chat request.
var (
	// ErrUpstreamStatus indicates a non-2xx response from the provider.
	ErrUpstreamStatus = errors.New("upstream returned an error status")

	// ErrProviderError indicates an error record inside the event stream.
	ErrProviderError = errors.New("provider reported an error")

	// ErrUpstreamConnection indicates the provider could not be reached or
	// the stream broke off.
	ErrUpstreamConnection = errors.New("upstream connection failed")
)

// LoopError is a terminal orchestrator failure. Message is the text sent to
// the client in the error event.
type LoopError struct {
	Phase   Phase
	Turn    int
	Message string
	Cause   error
}

func (e *LoopError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("stream %s failed on turn %d: %s", e.Phase, e.Turn, e.Message)
	}
	return fmt.Sprintf("stream %s failed on turn %d: %s: %v", e.Phase, e.Turn, e.Message, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }

// StatusError carries the HTTP status of a rejected upstream request.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool { return target == ErrUpstreamStatus }
