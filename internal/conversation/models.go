package conversation

import (
	"context"
	"errors"

	"github.com/xpress/internal/logging"
	"github.com/xpress/internal/sessions"
	"github.com/xpress/internal/settings"
)

var (
	ErrPaneBusy        = errors.New("pane already has a response in progress")
	ErrNoSession       = errors.New("no session is open")
	ErrStreamTimeout   = errors.New("response exceeded the maximum stream duration")
	ErrEmptyCompletion = errors.New("model returned an empty response")
)

// State of a pane.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateAborting:
		return "aborting"
	default:
		return "idle"
	}
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// Result is how a stream ended. Content is the accumulated assistant text.
type Result struct {
	Outcome Outcome
	Content string
	Err     error
}

// Update carries the full accumulated content of the in-progress message.
type Update struct {
	MessageID string
	Content   string
}

// Notice is a user-visible message about a failed response.
type Notice struct {
	SessionID string
	Pane      sessions.Pane
	Message   string
	Err       error
}

type Notifier interface {
	Notify(n Notice)
}

// ErrorReporter records errors for the downloadable error log.
type ErrorReporter interface {
	Record(err error, info map[string]any) logging.ErrorEntry
}

// Reconciler takes messages whose persistence failed and retries them later.
type Reconciler interface {
	Enqueue(ctx context.Context, msg *sessions.Message) error
}

// ThreadStore is the durable side the controller reads from and writes to.
type ThreadStore interface {
	Thread(ctx context.Context, sessionID string, pane sessions.Pane) ([]*sessions.Message, error)
	AppendMessage(ctx context.Context, msg *sessions.Message) error
	Session(id string) (*sessions.Session, bool)
}

// ConfigSource resolves the model configuration for a pane.
type ConfigSource interface {
	ModelConfig(ctx context.Context, sessionID string, pane sessions.Pane) settings.ModelConfig
}

// CanvasState is the canvas toggle and current draft for a session.
type CanvasState struct {
	Active bool   `json:"active"`
	Draft  string `json:"draft"`
}

type CanvasSource interface {
	Canvas(sessionID string) CanvasState
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }
