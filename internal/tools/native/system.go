package native

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone such as Asia/Almaty or Europe/Moscow. Defaults to UTC."`
}

type emptyArgs struct{}

func registerSystemTools(reg *Registry, deps *Deps) error {
	return registerEach(reg,
		Definition{
			Name:        "get_current_time",
			Description: "Get the current date and time in the given timezone.",
			Parameters:  schemaFor(&currentTimeArgs{}),
			Execute: typed(func(_ context.Context, args currentTimeArgs, _ *Invocation) (string, error) {
				return currentTime(deps.now(), args.Timezone)
			}),
		},
		Definition{
			Name:        "get_user_info",
			Description: "Get the current user's profile: name, email, subscription plan and its limits.",
			Parameters:  schemaFor(&emptyArgs{}),
			Execute: func(_ context.Context, _ map[string]any, inv *Invocation) (string, error) {
				return userInfo(inv)
			},
		},
		Definition{
			Name:        "get_conversation_context",
			Description: "Get metadata of the current conversation: title, dates, message count and related tasks.",
			Parameters:  schemaFor(&emptyArgs{}),
			Execute: func(ctx context.Context, _ map[string]any, inv *Invocation) (string, error) {
				return conversationContext(ctx, deps, inv)
			},
		},
	)
}

func currentTime(now time.Time, tz string) (string, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return errorResult("Invalid timezone: " + tz)
	}
	local := now.In(loc)
	return jsonResult(map[string]any{
		"iso":       now.UTC().Format("2006-01-02T15:04:05.000Z"),
		"formatted": local.Format("Monday, 2 January 2006, 15:04:05"),
		"timezone":  tz,
		"timestamp": now.UnixMilli(),
	})
}

func userInfo(inv *Invocation) (string, error) {
	orDefault := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return jsonResult(map[string]any{
		"name":   orDefault(inv.UserName, "not specified"),
		"email":  orDefault(inv.UserEmail, "not specified"),
		"plan":   orDefault(inv.PlanName, "Free"),
		"limits": inv.Limits,
	})
}

type taskSummary struct {
	Title    string `json:"title"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

func conversationContext(ctx context.Context, deps *Deps, inv *Invocation) (string, error) {
	if inv.ConversationID == "" {
		return errorResult("No active conversation")
	}
	if deps.Conversations == nil {
		return "", errors.New("conversation store unavailable")
	}
	conv, err := deps.Conversations.GetConversation(ctx, inv.ConversationID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && conv.UserID != inv.UserID) {
		return errorResult("Conversation not found")
	}
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	count, err := deps.Conversations.CountMessages(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("count messages: %w", err)
	}

	tasks := []taskSummary{}
	if deps.Tasks != nil {
		list, err := deps.Tasks.ListTasks(ctx, conv.ID, "")
		if err != nil {
			return "", fmt.Errorf("list tasks: %w", err)
		}
		for _, t := range list {
			tasks = append(tasks, taskSummary{Title: t.Title, Status: t.Status, Progress: t.Progress})
		}
	}

	title := conv.Title
	if title == "" {
		title = "Untitled"
	}
	return jsonResult(map[string]any{
		"conversationId": conv.ID,
		"title":          title,
		"createdAt":      conv.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      conv.UpdatedAt.UTC().Format(time.RFC3339),
		"messageCount":   count,
		"tasks":          tasks,
	})
}
