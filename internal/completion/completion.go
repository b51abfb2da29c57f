// Package completion streams chat completions from model providers.
package completion

import (
	"context"
	"iter"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. Messages starts with the system message,
// which may be empty, followed by prior turns and the new user turn.
type Request struct {
	Model      string
	Messages   []ChatMessage
	Credential string
}

// Client opens a lazy, single-pass stream of text fragments. When ctx is
// cancelled the sequence stops and ends with ctx.Err(); provider failures end
// it with that error.
type Client interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}
