package conversation

import (
	"strings"

	"github.com/xpress/internal/completion"
	"github.com/xpress/internal/sessions"
	"github.com/xpress/internal/settings"
)

// buildMessages assembles the full request context: system message first
// (possibly empty), then prior turns, then the new user turn.
func buildMessages(mc settings.ModelConfig, history []*sessions.Message, input string, canvas CanvasState) []completion.ChatMessage {
	system := mc.SystemPrompt
	if canvas.Active {
		system = joinNonEmpty(system, mc.CanvasPrompt)
	}

	out := make([]completion.ChatMessage, 0, len(history)+2)
	out = append(out, completion.ChatMessage{Role: completion.RoleSystem, Content: system})
	for _, m := range history {
		role := completion.RoleUser
		if m.Role == sessions.RoleAssistant {
			role = completion.RoleAssistant
		}
		out = append(out, completion.ChatMessage{Role: role, Content: m.Content})
	}

	user := input
	if canvas.Active {
		user = frameWithDraft(input, canvas.Draft)
	}
	out = append(out, completion.ChatMessage{Role: completion.RoleUser, Content: user})
	return out
}

func frameWithDraft(instruction, draft string) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nCurrent draft:\n")
	if strings.TrimSpace(draft) == "" {
		b.WriteString("(empty)")
	} else {
		b.WriteString(draft)
	}
	return b.String()
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
