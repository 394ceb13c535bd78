package gateway

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
)

const planMemorySeparator = "\n\n--- Update ---\n"

// decisionsHeading matches a bold "Key decisions", "Decisions" or "Context"
// heading, with an optional colon inside or after the bold markers.
var decisionsHeading = regexp.MustCompile(`(?i)\*\*(?:key decisions|decisions|context)[:\s]*\*\*`)

// extractDecisions returns the body of the first decisions section of a
// plan: the text after the heading up to the next "##" heading, the next
// bold line start, or the end of the plan.
func extractDecisions(plan string) string {
	loc := decisionsHeading.FindStringIndex(plan)
	if loc == nil {
		return ""
	}
	body := plan[loc[1]:]
	end := len(body)
	for _, stop := range []string{"\n##", "\n**"} {
		if i := strings.Index(body, stop); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(body[:end])
}

// mergePlanMemory appends new decisions to the accumulated memory.
func mergePlanMemory(existing, decisions string) string {
	switch {
	case existing != "" && decisions != "":
		return existing + planMemorySeparator + decisions
	case decisions != "":
		return decisions
	default:
		return existing
	}
}

// savePlan stores plan as the conversation's active plan, carrying the
// decisions forward into the plan memory.
func savePlan(ctx context.Context, plans storage.PlanStore, conversationID, plan string) error {
	existing := ""
	active, err := plans.ActivePlan(ctx, conversationID)
	switch {
	case err == nil:
		existing = active.Memory
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	_, err = plans.SavePlan(ctx, conversationID, plan, mergePlanMemory(existing, extractDecisions(plan)))
	return err
}
