package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/completion"
	"github.com/xpress/internal/sessions"
)

// DefaultMaxStreamDuration bounds a single response.
const DefaultMaxStreamDuration = 5 * time.Minute

// ControllerOptions wires a controller to its collaborators. Notifier,
// Errors, Reconciler and Canvas are optional.
type ControllerOptions struct {
	Pane        sessions.Pane
	Threads     ThreadStore
	Settings    ConfigSource
	Client      completion.Client
	Notifier    Notifier
	Errors      ErrorReporter
	Reconciler  Reconciler
	Canvas      CanvasSource
	MaxDuration time.Duration
	Now         func() time.Time
}

// Controller owns the optimistic thread of one pane and at most one live
// stream for it.
type Controller struct {
	opts ControllerOptions

	mu        sync.Mutex
	sessionID string
	thread    []*sessions.Message
	partial   map[string]bool
	state     State
	handle    *StreamHandle
}

func NewController(opts ControllerOptions) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxStreamDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts, partial: make(map[string]bool)}
}

func (c *Controller) Pane() sessions.Pane { return c.opts.Pane }

// Open binds the controller to a session. Any stream in flight is cancelled
// and settled first.
func (c *Controller) Open(ctx context.Context, sessionID string) error {
	c.Stop()

	msgs, err := c.opts.Threads.Thread(ctx, sessionID, c.opts.Pane)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		// a submit raced with Open; keep the newer stream's session
		return ErrPaneBusy
	}
	c.sessionID = sessionID
	c.thread = msgs
	c.partial = make(map[string]bool)
	c.state = StateIdle
	return nil
}

// Stop cancels the live stream, if any, and waits for it to settle.
func (c *Controller) Stop() {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return
	}
	h.Cancel()
	<-h.Done()
}

// Cancel cancels the live stream without waiting.
func (c *Controller) Cancel() {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (c *Controller) abort(h *StreamHandle) {
	c.mu.Lock()
	if c.handle == h && c.state == StateStreaming {
		c.state = StateAborting
	}
	c.mu.Unlock()
	h.cancel()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Handle returns the live stream handle, or nil.
func (c *Controller) Handle() *StreamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Thread returns a copy of the optimistic thread, placeholder included.
func (c *Controller) Thread() []*sessions.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*sessions.Message, 0, len(c.thread))
	for _, m := range c.thread {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// Submit sends input as a new user turn and starts streaming the reply.
// Blank input is ignored and returns a nil handle.
func (c *Controller) Submit(ctx context.Context, input string) (*StreamHandle, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}

	var canvas CanvasState
	if c.opts.Canvas != nil {
		if sid := c.SessionID(); sid != "" {
			canvas = c.opts.Canvas.Canvas(sid)
		}
	}

	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrPaneBusy
	}

	sessionID := c.sessionID
	history := c.history()
	label := ""
	if sess, ok := c.opts.Threads.Session(sessionID); ok {
		label = sess.Label
	}

	now := c.opts.Now()
	userMsg := &sessions.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Pane:      c.opts.Pane,
		Role:      sessions.RoleUser,
		Sender:    sessions.CurrentUser(),
		Content:   input,
		Canvas:    canvas.Active,
		CreatedAt: now,
	}
	placeholder := &sessions.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Pane:      c.opts.Pane,
		Role:      sessions.RoleAssistant,
		Sender:    sessions.UserSender(sessions.UserInfo{FullName: label}),
		Canvas:    canvas.Active,
		CreatedAt: now.Add(replyOffset),
	}
	c.thread = append(c.thread, userMsg, placeholder)
	c.state = StateStreaming

	persistCtx := context.WithoutCancel(ctx)
	streamCtx, cancel := context.WithTimeout(persistCtx, c.opts.MaxDuration)
	h := newStreamHandle(sessionID, c.opts.Pane, userMsg.ID, placeholder.ID, cancel, c.abort)
	c.handle = h
	c.mu.Unlock()

	log.Debug().
		Str("session_id", sessionID).
		Str("pane", string(c.opts.Pane)).
		Str("message_id", placeholder.ID).
		Bool("canvas", canvas.Active).
		Msg("Submitting message")

	userMsgCopy := *userMsg
	userDone := make(chan struct{})
	go func() {
		defer close(userDone)
		c.persist(persistCtx, &userMsgCopy)
	}()

	go c.run(streamCtx, persistCtx, h, input, history, canvas, userDone)
	return h, nil
}

// run drives one stream to completion. The user message's persistence
// attempt always finishes before the handle settles.
func (c *Controller) run(streamCtx, persistCtx context.Context, h *StreamHandle, input string, history []*sessions.Message, canvas CanvasState, userDone <-chan struct{}) {
	mc := c.opts.Settings.ModelConfig(streamCtx, h.SessionID, c.opts.Pane)
	req := completion.Request{
		Model:      mc.ModelID,
		Credential: mc.Credential,
		Messages:   buildMessages(mc, history, input, canvas),
	}

	var (
		acc       strings.Builder
		streamErr error
	)
	for fragment, err := range c.opts.Client.Stream(streamCtx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if streamCtx.Err() != nil {
			break
		}
		acc.WriteString(fragment)
		content := acc.String()
		if !c.replaceContent(h, content) {
			break
		}
		h.publish(Update{MessageID: h.MessageID, Content: content})
	}
	content := acc.String()
	<-userDone

	info := map[string]any{
		"session_id": h.SessionID,
		"pane":       string(c.opts.Pane),
		"model":      mc.ModelID,
		"message_id": h.MessageID,
	}

	switch {
	case streamCtx.Err() != nil:
		timedOut := errors.Is(streamCtx.Err(), context.DeadlineExceeded)
		c.settle(h, func() {
			if content == "" {
				c.removeMessage(h.MessageID)
			} else {
				c.partial[h.MessageID] = true
			}
		})
		if timedOut {
			log.Warn().Str("session_id", h.SessionID).Str("pane", string(c.opts.Pane)).Msg("Stream exceeded maximum duration")
			c.report(h, ErrStreamTimeout, info)
			h.finish(Result{Outcome: OutcomeTimedOut, Content: content, Err: ErrStreamTimeout})
			return
		}
		log.Debug().Str("session_id", h.SessionID).Str("pane", string(c.opts.Pane)).Msg("Stream cancelled")
		h.finish(Result{Outcome: OutcomeCancelled, Content: content})

	case streamErr != nil:
		log.Error().Err(streamErr).Str("session_id", h.SessionID).Str("pane", string(c.opts.Pane)).Str("model", mc.ModelID).Msg("Completion stream failed")
		c.settle(h, func() {
			if content == "" {
				c.removeMessage(h.MessageID)
			} else {
				c.partial[h.MessageID] = true
			}
		})
		c.report(h, streamErr, info)
		h.finish(Result{Outcome: OutcomeFailed, Content: content, Err: streamErr})

	case content == "":
		c.settle(h, func() { c.removeMessage(h.MessageID) })
		c.report(h, ErrEmptyCompletion, info)
		h.finish(Result{Outcome: OutcomeFailed, Err: ErrEmptyCompletion})

	default:
		final := c.finalMessage(h, content)
		if final != nil {
			c.persist(persistCtx, final)
		}
		c.settle(h, func() {})
		h.finish(Result{Outcome: OutcomeCompleted, Content: content})
	}
}

// replaceContent sets the placeholder content to the full accumulation. It
// reports false when the handle is no longer the live one.
func (c *Controller) replaceContent(h *StreamHandle, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != h {
		return false
	}
	for i := len(c.thread) - 1; i >= 0; i-- {
		if c.thread[i].ID == h.MessageID {
			c.thread[i].Content = content
			return true
		}
	}
	return false
}

// replyOffset keeps a reply ordered after its prompt at the store's
// microsecond timestamp precision.
const replyOffset = time.Microsecond

// finalMessage stamps the reply with its completion time, never earlier
// than the placeholder, so stores ordering by created_at keep the prompt
// first even when the prompt is written late.
func (c *Controller) finalMessage(h *StreamHandle, content string) *sessions.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.thread {
		if m.ID == h.MessageID {
			m.Content = content
			if done := c.opts.Now(); done.After(m.CreatedAt) {
				m.CreatedAt = done
			}
			cp := *m
			return &cp
		}
	}
	return nil
}

// settle applies fn and returns the pane to idle if h is still the live
// handle.
func (c *Controller) settle(h *StreamHandle, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != h {
		return
	}
	fn()
	c.handle = nil
	c.state = StateIdle
}

func (c *Controller) removeMessage(id string) {
	for i, m := range c.thread {
		if m.ID == id {
			c.thread = append(c.thread[:i], c.thread[i+1:]...)
			return
		}
	}
}

// history returns the finalized turns of the current thread.
func (c *Controller) history() []*sessions.Message {
	out := make([]*sessions.Message, 0, len(c.thread))
	for _, m := range c.thread {
		if m.Content == "" || c.partial[m.ID] {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out
}

func (c *Controller) persist(ctx context.Context, msg *sessions.Message) {
	err := c.opts.Threads.AppendMessage(ctx, msg)
	if err == nil {
		return
	}

	log.Error().Err(err).
		Str("session_id", msg.SessionID).
		Str("pane", string(msg.Pane)).
		Str("message_id", msg.ID).
		Msg("Failed to persist message")
	if c.opts.Errors != nil {
		c.opts.Errors.Record(err, map[string]any{
			"session_id": msg.SessionID,
			"pane":       string(msg.Pane),
			"message_id": msg.ID,
			"role":       string(msg.Role),
		})
	}
	if c.opts.Reconciler != nil {
		if qerr := c.opts.Reconciler.Enqueue(ctx, msg); qerr != nil {
			log.Error().Err(qerr).Str("message_id", msg.ID).Msg("Failed to enqueue message for reconciliation")
		}
	}
}

func (c *Controller) report(h *StreamHandle, err error, info map[string]any) {
	if c.opts.Errors != nil {
		c.opts.Errors.Record(err, info)
	}
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(Notice{
			SessionID: h.SessionID,
			Pane:      c.opts.Pane,
			Message:   NoticeText(err),
			Err:       err,
		})
	}
}

// NoticeText is the user-facing text for a stream failure.
func NoticeText(err error) string {
	switch {
	case errors.Is(err, ErrStreamTimeout):
		return "The response took too long and was stopped."
	case errors.Is(err, ErrEmptyCompletion):
		return "The model returned an empty response. Please try again."
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}
