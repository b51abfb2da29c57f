package sessions

import (
	"fmt"
	"strings"
	"time"
)

// Pane identifies one of the two independent threads of a session.
type Pane string

const (
	PaneResearch Pane = "research"
	PaneWriter   Pane = "writer"
)

// Panes lists every pane in display order.
var Panes = []Pane{PaneResearch, PaneWriter}

// ParsePane validates a pane name coming from an outer surface.
func ParsePane(s string) (Pane, error) {
	switch Pane(strings.ToLower(strings.TrimSpace(s))) {
	case PaneResearch:
		return PaneResearch, nil
	case PaneWriter:
		return PaneWriter, nil
	}
	return "", fmt.Errorf("unknown pane %q", s)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SenderKind tags the Sender variant.
type SenderKind string

const (
	SenderCurrentUser SenderKind = "current_user"
	SenderUser        SenderKind = "user"
	SenderSystemNote  SenderKind = "system_note"
)

// UserInfo describes an identified person or persona.
type UserInfo struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName returns the best available human readable name.
func (u UserInfo) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// Sender is resolved once when a message is created and stored with it.
type Sender struct {
	Kind SenderKind `json:"kind"`
	User *UserInfo  `json:"user,omitempty"`
}

func CurrentUser() Sender { return Sender{Kind: SenderCurrentUser} }

func UserSender(info UserInfo) Sender {
	return Sender{Kind: SenderUser, User: &info}
}

func SystemNote() Sender { return Sender{Kind: SenderSystemNote} }

// Name is the stored sender_name column.
func (s Sender) Name() string {
	if s.User == nil {
		return ""
	}
	return s.User.DisplayName()
}

func senderFromColumns(kind, name string) Sender {
	switch SenderKind(kind) {
	case SenderUser:
		return UserSender(UserInfo{FullName: name})
	case SenderSystemNote:
		return SystemNote()
	default:
		return CurrentUser()
	}
}

// Session is a named container of two threads. Sessions are archived, never
// deleted.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Label       string    `json:"label"`
	EditorDraft string    `json:"editor_draft"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is one turn in a thread. An assistant message with empty content
// is a placeholder and never reaches a store.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Pane      Pane      `json:"pane"`
	Role      Role      `json:"role"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Canvas    bool      `json:"canvas"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) IsPlaceholder() bool {
	return m.Role == RoleAssistant && m.Content == ""
}

func cloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Sender.User != nil {
		u := *m.Sender.User
		cp.Sender.User = &u
	}
	return &cp
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
