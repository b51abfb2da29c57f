package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/completion"
	"github.com/xpress/internal/conversation"
	"github.com/xpress/internal/identity"
	"github.com/xpress/internal/localcache"
	"github.com/xpress/internal/logging"
	"github.com/xpress/internal/registry"
	"github.com/xpress/internal/settings"
	"github.com/xpress/internal/sessions"
)

// Deps are the shared collaborators behind every user's workspace.
// Local, Errors, Reconciler and Catalog are optional.
type Deps struct {
	Sessions    sessions.Store
	Settings    *settings.Resolver
	Client      completion.Client
	Catalog     *completion.Catalog
	FetchTokens []string
	Local       *localcache.Cache
	Errors      *logging.ErrorLog
	Reconciler  conversation.Reconciler
	MaxDuration time.Duration
}

type hubEntry struct {
	ready chan struct{}
	ws    *conversation.Workspace
	err   error
}

// Hub keeps one workspace per signed-in user. Workspaces are built on first
// use and live until Close.
type Hub struct {
	deps Deps

	mu      sync.Mutex
	entries map[string]*hubEntry
}

func NewHub(deps Deps) *Hub {
	return &Hub{deps: deps, entries: make(map[string]*hubEntry)}
}

// Workspace returns the user's workspace, loading the registry the first
// time. A failed load is not cached.
func (h *Hub) Workspace(ctx context.Context, user *identity.User) (*conversation.Workspace, error) {
	h.mu.Lock()
	entry, ok := h.entries[user.ID]
	if !ok {
		entry = &hubEntry{ready: make(chan struct{})}
		h.entries[user.ID] = entry
	}
	h.mu.Unlock()

	if ok {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.ws, nil
	}

	entry.ws, entry.err = h.build(context.WithoutCancel(ctx), user)
	if entry.err != nil {
		h.mu.Lock()
		delete(h.entries, user.ID)
		h.mu.Unlock()
	}
	close(entry.ready)
	return entry.ws, entry.err
}

func (h *Hub) build(ctx context.Context, user *identity.User) (*conversation.Workspace, error) {
	var regOpts []registry.Option
	var canvas conversation.CanvasStore
	if h.deps.Local != nil {
		regOpts = append(regOpts, registry.WithLocalMirror(h.deps.Local))
		canvas = h.deps.Local
	}

	reg := registry.New(h.deps.Sessions, user.ID, regOpts...)
	if err := reg.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	opts := conversation.ControllerOptions{
		Settings:    h.deps.Settings,
		Client:      h.deps.Client,
		Notifier:    conversation.NotifierFunc(logNotice),
		MaxDuration: h.deps.MaxDuration,
	}
	if h.deps.Errors != nil {
		opts.Errors = h.deps.Errors
	}
	if h.deps.Reconciler != nil {
		opts.Reconciler = h.deps.Reconciler
	}

	ws, err := conversation.NewWorkspace(ctx, reg, canvas, opts)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", user.ID).Int("sessions", len(reg.Sessions())).Msg("Workspace ready")
	return ws, nil
}

// Reconciled patches a message stored by a background job into every
// loaded workspace mirror that holds its thread.
func (h *Hub) Reconciled(ctx context.Context, msg *sessions.Message) {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.entries))
	for _, entry := range h.entries {
		entries = append(entries, entry)
	}
	h.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-entry.ready:
		default:
			continue
		}
		if entry.ws != nil && entry.ws.Registry().Patch(msg) {
			log.Debug().Str("session_id", msg.SessionID).Str("message_id", msg.ID).Msg("Patched reconciled message into mirror")
		}
	}
}

// Close settles every workspace's in-flight streams.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.entries
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, entry := range entries {
		<-entry.ready
		if entry.ws != nil {
			entry.ws.Close()
		}
	}
}

func logNotice(n conversation.Notice) {
	log.Warn().
		Err(n.Err).
		Str("session_id", n.SessionID).
		Str("pane", string(n.Pane)).
		Msg(n.Message)
}
