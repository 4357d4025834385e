package enhance

import (
	"fmt"
	"strings"

	"tasknest/internal/domain"
)

// Prompt is one model request: the rendered text and the mode it was built for.
type Prompt struct {
	Mode string
	Text string
}

const enhanceInstructions = `You improve task descriptions for a personal task manager.
Rewrite the task so it is specific and actionable. Keep the user's intent.
Reply with a single JSON object and nothing else:
{"enhanced_title": "<clear, concise title>", "enhanced_description": "<detailed description with concrete steps or acceptance criteria>", "notes": "<one or two sentences on what you changed>"}`

const splitInstructions = `You break tasks into smaller subtasks for a personal task manager.
Split the task into between 3 and 6 subtasks that together complete it, in the order they should be done.
Reply with a single JSON object and nothing else:
{"subtasks": [{"title": "<title>", "description": "<what to do>", "priority": "low|medium|high", "estimated_hours": <number>}], "rationale": "<why this breakdown>"}`

// BuildPrompt renders the task's current title and description into the instructions for mode.
func BuildPrompt(t domain.Task, mode string) Prompt {
	var b strings.Builder
	if mode == domain.ModeSplit {
		b.WriteString(splitInstructions)
	} else {
		b.WriteString(enhanceInstructions)
	}
	b.WriteString("\n\nTask title: ")
	b.WriteString(t.Title)
	b.WriteString("\nTask description: ")
	if t.Description != nil && strings.TrimSpace(*t.Description) != "" {
		b.WriteString(*t.Description)
	} else {
		b.WriteString("(none)")
	}
	fmt.Fprintf(&b, "\nPriority: %s\nStatus: %s", t.Priority, t.Status)
	if t.DueDate != nil {
		fmt.Fprintf(&b, "\nDue: %s", *t.DueDate)
	}
	if len(t.Tags) > 0 {
		fmt.Fprintf(&b, "\nTags: %s", strings.Join(t.Tags, ", "))
	}
	return Prompt{Mode: mode, Text: b.String()}
}
