package context

import (
	"strings"
	"testing"
)

func TestBuildSystemPromptWithContext_Order(t *testing.T) {
	got := BuildSystemPromptWithContext("BASE", "the summary", "plan notes", "- lang: go", "**t** (10%)")

	if !strings.HasPrefix(got, "BASE\n\n--- USER MEMORY") {
		t.Fatalf("prompt should start with base then user memory, got %q", got)
	}
	order := []string{"- lang: go", "the summary", "plan notes", "**t** (10%)"}
	last := -1
	for _, part := range order {
		idx := strings.Index(got, part)
		if idx < 0 {
			t.Fatalf("missing %q in %q", part, got)
		}
		if idx < last {
			t.Errorf("%q out of order", part)
		}
		last = idx
	}
}

func TestBuildSystemPromptWithContext_Empty(t *testing.T) {
	if got := BuildSystemPromptWithContext("BASE", "", "", "", ""); got != "BASE" {
		t.Errorf("got %q, want BASE", got)
	}
}

func TestBuildMemoryContext(t *testing.T) {
	memories := []MemoryEntry{
		{Key: "style", Content: "formal"},
		{Key: "lang", Content: strings.Repeat("x", 60)},
		{Key: "tz", Content: "UTC+5"},
	}

	got := BuildMemoryContext(memories, 10)
	if got != "- style: formal" {
		t.Errorf("budgeted context = %q", got)
	}

	all := BuildMemoryContext(memories, 0)
	if strings.Count(all, "\n") != 2 {
		t.Errorf("expected three lines with default budget, got %q", all)
	}

	if BuildMemoryContext(nil, 100) != "" {
		t.Error("expected empty context for no memories")
	}
}

func TestFormatTasksContext(t *testing.T) {
	got := FormatTasksContext([]TaskEntry{{
		Title:    "Draft contract",
		Progress: 50,
		Steps:    []TaskStep{{Text: "collect data", Done: true}, {Text: "write", Done: false}},
	}})
	want := "**Draft contract** (50%)\n  ✓ collect data\n  ○ write"
	if got != want {
		t.Errorf("FormatTasksContext = %q, want %q", got, want)
	}
}

func TestFormatFilesList(t *testing.T) {
	if FormatFilesList(nil) != "" {
		t.Error("expected empty section for no files")
	}
	got := FormatFilesList([]FileEntry{
		{Name: "prices.csv", Description: "2024 prices", FileType: "csv"},
		{Name: "notes.md", FileType: "md"},
	})
	for _, want := range []string{"- prices.csv — 2024 prices (csv)", "- notes.md (md)", "read_knowledge"} {
		if !strings.Contains(got, want) {
			t.Errorf("files section missing %q: %q", want, got)
		}
	}
}
