package context

import (
	"fmt"
	"strings"
)

// DefaultMemoryTokens bounds the user memory block injected into the system prompt.
const DefaultMemoryTokens = 500

// MemoryEntry is a single user memory as injected into the prompt.
type MemoryEntry struct {
	Key     string
	Content string
}

// TaskStep is one checklist step of an active task.
type TaskStep struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TaskEntry is an in-progress task summarized for the prompt.
type TaskEntry struct {
	Title    string
	Progress int
	Steps    []TaskStep
}

// FileEntry describes an uploaded knowledge file.
type FileEntry struct {
	Name        string
	Description string
	FileType    string
}

func appendSection(b *strings.Builder, title, body, end string) {
	b.WriteString("\n\n--- ")
	b.WriteString(title)
	b.WriteString(" ---\n")
	b.WriteString(body)
	b.WriteString("\n--- ")
	b.WriteString(end)
	b.WriteString(" ---")
}

// BuildSystemPromptWithContext appends the optional context sections to the
// base prompt. Empty sections are skipped; the order is user memory,
// conversation summary, plan memory, active tasks.
func BuildSystemPromptWithContext(base, summary, planMemory, userMemory, tasksContext string) string {
	var b strings.Builder
	b.WriteString(base)

	if userMemory != "" {
		appendSection(&b, "USER MEMORY (preferences and standards)", userMemory, "END OF USER MEMORY")
	}
	if summary != "" {
		appendSection(&b, "SUMMARY OF THE EARLIER CONVERSATION", summary, "END OF SUMMARY")
	}
	if planMemory != "" {
		appendSection(&b, "PLANNING MEMORY (key decisions and context)", planMemory, "END OF PLANNING MEMORY")
	}
	if tasksContext != "" {
		appendSection(&b, "ACTIVE TASKS", tasksContext, "END OF TASKS")
	}
	return b.String()
}

// BuildMemoryContext renders memories as "- key: content" lines until the
// token budget is exhausted. It returns "" when nothing fits.
func BuildMemoryContext(memories []MemoryEntry, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultMemoryTokens
	}
	lines := make([]string, 0, len(memories))
	total := 0
	for _, m := range memories {
		line := fmt.Sprintf("- %s: %s", m.Key, m.Content)
		tokens := EstimateTokens(line)
		if total+tokens > maxTokens {
			break
		}
		lines = append(lines, line)
		total += tokens
	}
	return strings.Join(lines, "\n")
}

// FormatTasksContext renders active tasks with their completed and pending
// steps.
func FormatTasksContext(tasks []TaskEntry) string {
	blocks := make([]string, 0, len(tasks))
	for _, t := range tasks {
		var done, pending []string
		for _, s := range t.Steps {
			if s.Done {
				done = append(done, "  ✓ "+s.Text)
			} else {
				pending = append(pending, "  ○ "+s.Text)
			}
		}
		blocks = append(blocks, fmt.Sprintf("**%s** (%d%%)\n%s\n%s",
			t.Title, t.Progress, strings.Join(done, "\n"), strings.Join(pending, "\n")))
	}
	return strings.Join(blocks, "\n\n")
}

// FormatFilesList renders the knowledge files section appended to the base
// prompt. It returns "" for an empty list.
func FormatFilesList(files []FileEntry) string {
	if len(files) == 0 {
		return ""
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		line := "- " + f.Name
		if f.Description != "" {
			line += " — " + f.Description
		}
		line += " (" + f.FileType + ")"
		lines = append(lines, line)
	}
	var b strings.Builder
	appendSection(&b, "USER FILES",
		"The user has uploaded files. Use the read_knowledge tool to search them.\n"+strings.Join(lines, "\n"),
		"END OF FILES")
	return b.String()
}
