package native

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

// MemorySourceNativeTool marks memories written by save_memory.
const MemorySourceNativeTool = "native_tool"

type taskStepArgs struct {
	Text string `json:"text" jsonschema:"required"`
	Done bool   `json:"done,omitempty"`
}

type createTaskArgs struct {
	Title string         `json:"title" jsonschema:"required" jsonschema_description:"Short task title."`
	Steps []taskStepArgs `json:"steps" jsonschema:"required" jsonschema_description:"Checklist steps in order."`
}

type saveMemoryArgs struct {
	Key     string `json:"key" jsonschema:"required" jsonschema_description:"Stable memory key such as preferred_language."`
	Content string `json:"content" jsonschema:"required" jsonschema_description:"What to remember about the user."`
}

type sendNotificationArgs struct {
	Title   string `json:"title" jsonschema:"required"`
	Message string `json:"message" jsonschema:"required"`
}

type writeScratchpadArgs struct {
	Key     string `json:"key" jsonschema:"required" jsonschema_description:"Note key."`
	Content string `json:"content" jsonschema:"required" jsonschema_description:"Note body. Replaces any existing note with the same key."`
}

type readScratchpadArgs struct {
	Key string `json:"key,omitempty" jsonschema_description:"Note key. Omit to list all notes."`
}

func registerProductivityTools(reg *Registry, deps *Deps) error {
	return registerEach(reg,
		Definition{
			Name:        "create_task",
			Description: "Create a checklist task for the user with ordered steps.",
			Parameters:  schemaFor(&createTaskArgs{}),
			Execute: typed(func(ctx context.Context, args createTaskArgs, inv *Invocation) (string, error) {
				return createTask(ctx, deps, args, inv)
			}),
		},
		Definition{
			Name:        "save_memory",
			Description: "Save a long-term fact or preference about the user. Saving an existing key overwrites it.",
			Parameters:  schemaFor(&saveMemoryArgs{}),
			Execute: typed(func(ctx context.Context, args saveMemoryArgs, inv *Invocation) (string, error) {
				return saveMemory(ctx, deps, args, inv)
			}),
		},
		Definition{
			Name:        "send_notification",
			Description: "Send an in-app notification to the user.",
			Parameters:  schemaFor(&sendNotificationArgs{}),
			Execute: typed(func(ctx context.Context, args sendNotificationArgs, inv *Invocation) (string, error) {
				return sendNotification(ctx, deps, args, inv)
			}),
		},
		Definition{
			Name:        "write_scratchpad",
			Description: "Write a note to the conversation scratchpad for use in later turns.",
			Parameters:  schemaFor(&writeScratchpadArgs{}),
			Execute: typed(func(ctx context.Context, args writeScratchpadArgs, inv *Invocation) (string, error) {
				return writeScratchpad(ctx, deps, args, inv)
			}),
		},
		Definition{
			Name:        "read_scratchpad",
			Description: "Read one scratchpad note by key, or list all notes of the conversation.",
			Parameters:  schemaFor(&readScratchpadArgs{}),
			Execute: typed(func(ctx context.Context, args readScratchpadArgs, inv *Invocation) (string, error) {
				return readScratchpad(ctx, deps, args, inv)
			}),
		},
	)
}

func createTask(ctx context.Context, deps *Deps, args createTaskArgs, inv *Invocation) (string, error) {
	if deps.Tasks == nil {
		return "", errors.New("task store unavailable")
	}
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return errorResult("title is required")
	}
	steps := make([]storage.TaskStep, 0, len(args.Steps))
	for _, s := range args.Steps {
		steps = append(steps, storage.TaskStep{Text: s.Text, Done: s.Done})
	}
	task := &storage.Task{
		UserID:         inv.UserID,
		ConversationID: inv.ConversationID,
		Title:          title,
		Steps:          steps,
		Status:         storage.TaskInProgress,
		Progress:       0,
	}
	if err := deps.Tasks.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return jsonResult(map[string]any{
		"success":    true,
		"taskId":     task.ID,
		"title":      task.Title,
		"stepsCount": len(task.Steps),
	})
}

func saveMemory(ctx context.Context, deps *Deps, args saveMemoryArgs, inv *Invocation) (string, error) {
	if deps.Memories == nil {
		return "", errors.New("memory store unavailable")
	}
	m, created, err := deps.Memories.UpsertMemory(ctx, inv.UserID, args.Key, args.Content, MemorySourceNativeTool)
	if err != nil {
		return "", fmt.Errorf("save memory: %w", err)
	}
	return jsonResult(map[string]any{
		"success":  true,
		"memoryId": m.ID,
		"key":      m.Key,
		"action":   upsertAction(created),
	})
}

func sendNotification(ctx context.Context, deps *Deps, args sendNotificationArgs, inv *Invocation) (string, error) {
	if deps.Notifications == nil {
		return "", errors.New("notification store unavailable")
	}
	n := &storage.Notification{
		UserID:  inv.UserID,
		Type:    storage.NotificationInfo,
		Title:   args.Title,
		Message: args.Message,
	}
	if err := deps.Notifications.CreateNotification(ctx, n); err != nil {
		return "", fmt.Errorf("send notification: %w", err)
	}
	return jsonResult(map[string]any{"success": true, "notificationId": n.ID})
}

func writeScratchpad(ctx context.Context, deps *Deps, args writeScratchpadArgs, inv *Invocation) (string, error) {
	if inv.ConversationID == "" {
		return errorResult("Scratchpad requires an active conversation")
	}
	if deps.Scratchpad == nil {
		return "", errors.New("scratchpad store unavailable")
	}
	note, created, err := deps.Scratchpad.UpsertNote(ctx, inv.ConversationID, args.Key, args.Content)
	if err != nil {
		return "", fmt.Errorf("write note: %w", err)
	}
	return jsonResult(map[string]any{
		"success": true,
		"key":     note.Key,
		"action":  upsertAction(created),
	})
}

type noteRef struct {
	Key       string `json:"key"`
	UpdatedAt string `json:"updatedAt"`
}

func readScratchpad(ctx context.Context, deps *Deps, args readScratchpadArgs, inv *Invocation) (string, error) {
	if inv.ConversationID == "" {
		return errorResult("Scratchpad requires an active conversation")
	}
	if deps.Scratchpad == nil {
		return "", errors.New("scratchpad store unavailable")
	}

	if args.Key != "" {
		note, err := deps.Scratchpad.GetNote(ctx, inv.ConversationID, args.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("Note %q not found", args.Key))
		}
		if err != nil {
			return "", fmt.Errorf("read note: %w", err)
		}
		return jsonResult(map[string]any{
			"key":       note.Key,
			"content":   note.Content,
			"updatedAt": note.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	notes, err := deps.Scratchpad.ListNotes(ctx, inv.ConversationID)
	if err != nil {
		return "", fmt.Errorf("list notes: %w", err)
	}
	refs := make([]noteRef, 0, len(notes))
	for _, n := range notes {
		refs = append(refs, noteRef{Key: n.Key, UpdatedAt: n.UpdatedAt.UTC().Format(time.RFC3339)})
	}
	return jsonResult(map[string]any{"count": len(refs), "notes": refs})
}

func upsertAction(created bool) string {
	if created {
		return "created"
	}
	return "updated"
}
