package conversation

import (
	"context"
	"sync"

	"github.com/xpress/internal/sessions"
)

// StreamHandle tracks one in-flight response. Updates coalesce: a slow
// reader only sees the latest content, which is always complete.
type StreamHandle struct {
	SessionID     string
	Pane          sessions.Pane
	MessageID     string
	UserMessageID string

	cancel  context.CancelFunc
	abort   func(*StreamHandle)
	updates chan Update
	done    chan struct{}

	mu     sync.Mutex
	result Result
}

func newStreamHandle(sessionID string, pane sessions.Pane, userID, messageID string, cancel context.CancelFunc, abort func(*StreamHandle)) *StreamHandle {
	return &StreamHandle{
		SessionID:     sessionID,
		Pane:          pane,
		MessageID:     messageID,
		UserMessageID: userID,
		cancel:        cancel,
		abort:         abort,
		updates:       make(chan Update, 1),
		done:          make(chan struct{}),
	}
}

// Updates is closed when the stream ends.
func (h *StreamHandle) Updates() <-chan Update { return h.updates }

func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// Cancel stops the stream. Calling it more than once, or after the stream
// ended, does nothing.
func (h *StreamHandle) Cancel() {
	if h.abort != nil {
		h.abort(h)
		return
	}
	h.cancel()
}

// Wait blocks until the stream has settled.
func (h *StreamHandle) Wait() Result {
	<-h.done
	return h.Result()
}

func (h *StreamHandle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// publish replaces any unread update with u. Only the stream goroutine
// calls it.
func (h *StreamHandle) publish(u Update) {
	select {
	case h.updates <- u:
		return
	default:
	}
	select {
	case <-h.updates:
	default:
	}
	select {
	case h.updates <- u:
	default:
	}
}

func (h *StreamHandle) finish(res Result) {
	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	h.cancel()
	close(h.updates)
	close(h.done)
}
