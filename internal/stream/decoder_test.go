package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func decodeAll(t *testing.T, input string, opts ...DecoderOption) ([]*Chunk, error) {
	t.Helper()
	dec := NewDecoder(strings.NewReader(input), opts...)
	var chunks []*Chunk
	for {
		chunk, err := dec.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestDecoderSkipsNoise(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		"event: message",
		"id: 7",
		"",
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		"data: {not json}",
		"data:",
		`data:{"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		"data: [DONE]",
		`data: {"choices":[{"delta":{"content":"after done"}}]}`,
	}, "\n")

	chunks, err := decodeAll(t, input)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Choices[0].Delta.Content)
	}
	if sb.String() != "Hello" {
		t.Errorf("content = %q, want %q", sb.String(), "Hello")
	}
}

func TestDecoderHandlesCRLFAndMissingDone(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"think\"}}]}\r\n\r\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}"
	chunks, err := decodeAll(t, input)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if got := chunks[0].Choices[0].Delta.ReasoningContent; got != "think" {
		t.Errorf("reasoning = %q", got)
	}
	if got := chunks[1].Choices[0].FinishReason; got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
	if u := chunks[1].Usage; u == nil || u.TotalTokens != 7 {
		t.Errorf("usage = %+v, want total 7", u)
	}
}

func TestDecoderToolCallFragments(t *testing.T) {
	input := `data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"calc","arguments":"{\"ex"}}]}}]}` + "\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"pr\":1}"}}]}}]}` + "\n"
	chunks, err := decodeAll(t, input)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	first := chunks[0].Choices[0].Delta.ToolCalls[0]
	if first.Index == nil || *first.Index != 1 || first.ID != "call_b" || first.Function.Name != "calc" {
		t.Errorf("first fragment = %+v", first)
	}
	second := chunks[1].Choices[0].Delta.ToolCalls[0]
	if second.Index != nil {
		t.Errorf("index = %v, want nil when omitted", *second.Index)
	}
	if second.Function.Arguments != `pr":1}` {
		t.Errorf("arguments = %q", second.Function.Arguments)
	}
}

func TestDecoderErrorChunk(t *testing.T) {
	tests := []struct {
		name string
		line string
		msg  string
	}{
		{"error object", `data: {"error":{"message":"quota exceeded","type":"rate_limit"}}`, "quota exceeded"},
		{"error type", `data: {"type":"error"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := decodeAll(t, tt.line+"\n")
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(chunks) != 1 || !chunks[0].IsError() {
				t.Fatalf("chunks = %+v, want one error chunk", chunks)
			}
			var msg string
			if chunks[0].Error != nil {
				msg = chunks[0].Error.Message
			}
			if msg != tt.msg {
				t.Errorf("message = %q, want %q", msg, tt.msg)
			}
		})
	}
}

func TestDecoderBufferOverflow(t *testing.T) {
	long := `data: {"choices":[{"delta":{"content":"` + strings.Repeat("x", 4096) + `"}}]}` + "\n"
	_, err := decodeAll(t, long, WithMaxBufferSize(1024))
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("err = %v, want ErrBufferOverflow", err)
	}
}

func TestDecoderEOFIsSticky(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: [DONE]\n"))
	for i := 0; i < 2; i++ {
		if _, err := dec.Next(); err != io.EOF {
			t.Fatalf("call %d: err = %v, want io.EOF", i, err)
		}
	}
}
