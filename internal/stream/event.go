// Package stream implements the chat streaming engine: the upstream event
// stream decoder, the plan tag splitter, tool dispatch, the multi-turn
// orchestrator and the NDJSON wire encoding of its events.
package stream

import (
	"encoding/json"
	"fmt"

	ctxwin "github.com/Farkhat1984/sanbao-sub000/internal/context"
)

// Tag is the two-letter type tag of a wire event.
type Tag string

const (
	TagReasoning Tag = "r"
	TagStatus    Tag = "s"
	TagContent   Tag = "c"
	TagPlan      Tag = "p"
	TagContext   Tag = "x"
	TagError     Tag = "e"
)

// Status is the value of a status event.
type Status string

const (
	StatusSearching Status = "searching"
	StatusUsingTool Status = "using_tool"
)

// Event is one item of the normalized stream sent to the caller.
// The set of implementations is closed.
type Event interface {
	Tag() Tag
	// Value is the JSON value placed under "v" on the wire.
	Value() any
	isEvent()
}

// ReasoningEvent carries a fragment of model reasoning.
type ReasoningEvent struct{ Text string }

// StatusEvent reports what the engine is doing between content fragments.
type StatusEvent struct{ Status Status }

// ContentEvent carries a fragment of user-visible answer text.
type ContentEvent struct{ Text string }

// PlanEvent carries a fragment of text from inside a plan block.
type PlanEvent struct{ Text string }

// ContextEvent reports context window usage. It is sent first when present.
type ContextEvent struct {
	UsagePercent      int
	TotalTokens       int
	ContextWindowSize int
	Compacting        bool
}

// ErrorEvent terminates the stream. At most one is sent, always last.
type ErrorEvent struct{ Message string }

func (ReasoningEvent) Tag() Tag { return TagReasoning }
func (StatusEvent) Tag() Tag    { return TagStatus }
func (ContentEvent) Tag() Tag   { return TagContent }
func (PlanEvent) Tag() Tag      { return TagPlan }
func (ContextEvent) Tag() Tag   { return TagContext }
func (ErrorEvent) Tag() Tag     { return TagError }

func (e ReasoningEvent) Value() any { return e.Text }
func (e StatusEvent) Value() any    { return string(e.Status) }
func (e ContentEvent) Value() any   { return e.Text }
func (e PlanEvent) Value() any      { return e.Text }
func (e ErrorEvent) Value() any     { return e.Message }

// Value returns the context info as a JSON-encoded string, which is how
// clients expect the "x" payload.
func (e ContextEvent) Value() any {
	b, _ := json.Marshal(struct {
		Action            string `json:"action"`
		UsagePercent      int    `json:"usagePercent"`
		TotalTokens       int    `json:"totalTokens"`
		ContextWindowSize int    `json:"contextWindowSize"`
		Compacting        bool   `json:"compacting"`
	}{"context_info", e.UsagePercent, e.TotalTokens, e.ContextWindowSize, e.Compacting})
	return string(b)
}

func (ReasoningEvent) isEvent() {}
func (StatusEvent) isEvent()    {}
func (ContentEvent) isEvent()   {}
func (PlanEvent) isEvent()      {}
func (ContextEvent) isEvent()   {}
func (ErrorEvent) isEvent()     {}

// ContextEventFrom converts a window check into a context event.
func ContextEventFrom(r ctxwin.CheckResult, compacting bool) ContextEvent {
	return ContextEvent{
		UsagePercent:      r.RoundedPercent(),
		TotalTokens:       r.TotalTokens,
		ContextWindowSize: r.ContextWindowSize,
		Compacting:        compacting,
	}
}

type wireEvent struct {
	T Tag `json:"t"`
	V any `json:"v"`
}

// MarshalEvent encodes e as a compact {"t":tag,"v":value} object without a
// trailing newline.
func MarshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("stream: nil event")
	}
	return json.Marshal(wireEvent{T: e.Tag(), V: e.Value()})
}

// UnmarshalEvent decodes one wire line back into an Event.
func UnmarshalEvent(line []byte) (Event, error) {
	var raw struct {
		T Tag             `json:"t"`
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	var s string
	if err := json.Unmarshal(raw.V, &s); err != nil {
		return nil, fmt.Errorf("decode %q event value: %w", raw.T, err)
	}
	switch raw.T {
	case TagReasoning:
		return ReasoningEvent{Text: s}, nil
	case TagStatus:
		return StatusEvent{Status: Status(s)}, nil
	case TagContent:
		return ContentEvent{Text: s}, nil
	case TagPlan:
		return PlanEvent{Text: s}, nil
	case TagError:
		return ErrorEvent{Message: s}, nil
	case TagContext:
		var info struct {
			UsagePercent      int  `json:"usagePercent"`
			TotalTokens       int  `json:"totalTokens"`
			ContextWindowSize int  `json:"contextWindowSize"`
			Compacting        bool `json:"compacting"`
		}
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			return nil, fmt.Errorf("decode context info: %w", err)
		}
		return ContextEvent(info), nil
	default:
		return nil, fmt.Errorf("unknown event tag %q", raw.T)
	}
}
