package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// MaxBufferSize is the largest upstream line the decoder accepts.
const MaxBufferSize = 1 << 20

// ErrBufferOverflow is returned when an upstream line exceeds the buffer
// limit. It is terminal for the request.
var ErrBufferOverflow = errors.New("stream: upstream event exceeds 1 MiB buffer")

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Chunk is one decoded upstream stream record.
type Chunk struct {
	ID      string    `json:"id,omitempty"`
	Type    string    `json:"type,omitempty"`
	Choices []Choice  `json:"choices,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
}

// IsError reports whether the record is a provider error event.
func (c *Chunk) IsError() bool {
	return c.Type == "error" || c.Error != nil
}

// Choice is one streamed choice; only the first is used.
type Choice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta is an incremental fragment of model output.
type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a tool call. Fragments with an ID start a
// call; later fragments with the same Index append to its arguments.
type ToolCallDelta struct {
	Index    *int          `json:"index,omitempty"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries the function name and an argument fragment.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// APIError is the provider's error object.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// Usage is the token accounting some providers append to the last record.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxBufferSize overrides MaxBufferSize.
func WithMaxBufferSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// Decoder turns an upstream server-sent event stream into Chunks.
//
// Lines are split on '\n' and the trailing partial line is held until more
// input arrives. Only data lines produce chunks; comments, event and id
// fields, blank lines and data lines that fail to parse are skipped.
type Decoder struct {
	scanner *bufio.Scanner
	maxSize int
	done    bool
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{maxSize: MaxBufferSize}
	for _, opt := range opts {
		opt(d)
	}
	d.scanner = bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > d.maxSize {
		initial = d.maxSize
	}
	d.scanner.Buffer(make([]byte, 0, initial), d.maxSize)
	return d
}

// Next returns the next chunk. It returns io.EOF after "data: [DONE]" or
// the end of input, and ErrBufferOverflow when a line is too long.
func (d *Decoder) Next() (*Chunk, error) {
	if d.done {
		return nil, io.EOF
	}
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, doneMarker) {
			d.done = true
			return nil, io.EOF
		}
		if len(payload) == 0 {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			continue
		}
		return &chunk, nil
	}
	d.done = true
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrBufferOverflow
		}
		return nil, err
	}
	return nil, io.EOF
}
