// Package registry mirrors one user's sessions, threads and drafts in memory.
// Writes go to the durable store first and are applied to the mirror only
// after they succeed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/sessions"
)

var (
	ErrLastSession     = errors.New("cannot remove the last session")
	ErrSessionNotFound = errors.New("session not found")
)

// LocalMirror is the on-disk cache for the session list, the selected
// session and drafts.
type LocalMirror interface {
	SelectedSession(ctx context.Context, userID string) (string, bool, error)
	SetSelectedSession(ctx context.Context, userID, sessionID string) error
	SaveSessions(ctx context.Context, userID string, list []*sessions.Session) error
	Sessions(ctx context.Context, userID string) ([]*sessions.Session, bool, error)
	SaveDraft(ctx context.Context, sessionID, draft string) error
	Draft(ctx context.Context, sessionID string) (string, bool, error)
}

type threadKey struct {
	sessionID string
	pane      sessions.Pane
}

type Registry struct {
	store  sessions.Store
	local  LocalMirror
	userID string

	// removeMu serialises Remove so the last-session floor is checked and
	// enforced against the same list.
	removeMu sync.Mutex

	mu       sync.RWMutex
	sessions []*sessions.Session
	selected string
	threads  map[threadKey][]*sessions.Message
	drafts   map[string]string
}

type Option func(*Registry)

func WithLocalMirror(local LocalMirror) Option {
	return func(r *Registry) { r.local = local }
}

func New(store sessions.Store, userID string, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		userID:  userID,
		threads: make(map[threadKey][]*sessions.Message),
		drafts:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) UserID() string { return r.userID }

// LoadAll replaces the mirror with the store's session list. A user with no
// sessions gets "Session 1".
func (r *Registry) LoadAll(ctx context.Context) error {
	list, err := r.store.ListSessions(ctx, r.userID)
	if err != nil {
		cached, ok := r.localSessions(ctx)
		if !ok {
			return fmt.Errorf("list sessions: %w", err)
		}
		log.Warn().Err(err).Str("user_id", r.userID).Msg("Session store unavailable, using local snapshot")
		list = cached
	}

	if len(list) == 0 {
		sess, err := r.store.CreateSession(ctx, r.userID, sessionLabel(1))
		if err != nil {
			return fmt.Errorf("create first session: %w", err)
		}
		list = []*sessions.Session{sess}
	}

	selected := list[0].ID
	if r.local != nil {
		if id, ok, err := r.local.SelectedSession(ctx, r.userID); err == nil && ok && containsSession(list, id) {
			selected = id
		}
	}

	drafts := make(map[string]string, len(list))
	for _, s := range list {
		drafts[s.ID] = s.EditorDraft
		if r.local != nil {
			if d, ok, err := r.local.Draft(ctx, s.ID); err == nil && ok {
				drafts[s.ID] = d
			}
		}
	}

	r.mu.Lock()
	r.sessions = list
	r.selected = selected
	r.threads = make(map[threadKey][]*sessions.Message)
	r.drafts = drafts
	r.mu.Unlock()

	r.syncLocal(ctx)
	return nil
}

// Create adds a session. A blank label becomes "Session N".
func (r *Registry) Create(ctx context.Context, label string) (*sessions.Session, error) {
	if label == "" {
		label = r.nextLabel()
	}
	sess, err := r.store.CreateSession(ctx, r.userID, label)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, sess)
	r.drafts[sess.ID] = ""
	r.mu.Unlock()

	r.syncLocal(ctx)
	return cloneSession(sess), nil
}

// Remove archives a session. The last remaining session cannot be removed.
// When the selected session goes away the first remaining one is selected.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.removeMu.Lock()
	defer r.removeMu.Unlock()

	r.mu.RLock()
	count := len(r.sessions)
	found := containsSession(r.sessions, id)
	r.mu.RUnlock()

	if !found {
		return ErrSessionNotFound
	}
	if count <= 1 {
		return ErrLastSession
	}

	if err := r.store.ArchiveSession(ctx, id); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}

	r.mu.Lock()
	kept := r.sessions[:0:0]
	for _, s := range r.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	r.sessions = kept
	delete(r.drafts, id)
	for _, pane := range sessions.Panes {
		delete(r.threads, threadKey{id, pane})
	}
	if r.selected == id {
		r.selected = kept[0].ID
	}
	r.mu.Unlock()

	r.syncLocal(ctx)
	return nil
}

func (r *Registry) Select(ctx context.Context, id string) error {
	r.mu.Lock()
	if !containsSession(r.sessions, id) {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	r.selected = id
	r.mu.Unlock()

	if r.local != nil {
		if err := r.local.SetSelectedSession(ctx, r.userID, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to cache selected session")
		}
	}
	return nil
}

// Sessions returns the mirrored list in creation order.
func (r *Registry) Sessions() []*sessions.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sessions.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, cloneSession(s))
	}
	return out
}

func (r *Registry) Session(id string) (*sessions.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ID == id {
			return cloneSession(s), true
		}
	}
	return nil, false
}

func (r *Registry) Selected() (*sessions.Session, bool) {
	r.mu.RLock()
	id := r.selected
	r.mu.RUnlock()
	return r.Session(id)
}

// Thread returns the persisted messages for a pane, loading them from the
// store on first access.
func (r *Registry) Thread(ctx context.Context, id string, pane sessions.Pane) ([]*sessions.Message, error) {
	key := threadKey{id, pane}

	r.mu.RLock()
	known := containsSession(r.sessions, id)
	thread, loaded := r.threads[key]
	r.mu.RUnlock()

	if !known {
		return nil, ErrSessionNotFound
	}
	if loaded {
		return cloneThread(thread), nil
	}

	msgs, err := r.store.ListMessages(ctx, id, pane)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	r.mu.Lock()
	if existing, ok := r.threads[key]; ok {
		msgs = existing
	} else {
		r.threads[key] = msgs
	}
	r.mu.Unlock()

	return cloneThread(msgs), nil
}

// AppendMessage persists msg and then adds it to a loaded thread. Replays of
// an id already mirrored are ignored.
func (r *Registry) AppendMessage(ctx context.Context, msg *sessions.Message) error {
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return err
	}

	r.Patch(msg)
	return nil
}

// Patch adds a message that reached the store by another path, such as a
// reconciliation job, to the mirrored thread. Threads that were never
// loaded are left alone; they read the store when first opened. The
// message is placed by CreatedAt so late writes keep thread order.
func (r *Registry) Patch(msg *sessions.Message) bool {
	key := threadKey{msg.SessionID, msg.Pane}
	r.mu.Lock()
	defer r.mu.Unlock()
	thread, loaded := r.threads[key]
	if !loaded {
		return false
	}
	at := len(thread)
	for i, m := range thread {
		if m.ID == msg.ID {
			return false
		}
		if at == len(thread) && m.CreatedAt.After(msg.CreatedAt) {
			at = i
		}
	}
	cp := *msg
	r.threads[key] = slices.Insert(thread, at, &cp)
	return true
}

// SaveDraft stores the canvas draft. The local copy is kept even when the
// remote write fails.
func (r *Registry) SaveDraft(ctx context.Context, id, draft string) error {
	r.mu.RLock()
	known := containsSession(r.sessions, id)
	r.mu.RUnlock()
	if !known {
		return ErrSessionNotFound
	}

	if r.local != nil {
		if err := r.local.SaveDraft(ctx, id, draft); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to cache draft")
		}
	}

	r.mu.Lock()
	r.drafts[id] = draft
	r.mu.Unlock()

	if err := r.store.UpdateDraft(ctx, id, draft); err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	return nil
}

func (r *Registry) Draft(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.drafts[id]
}

func (r *Registry) nextLabel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	taken := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		taken[s.Label] = struct{}{}
	}
	n := len(r.sessions) + 1
	for {
		label := sessionLabel(n)
		if _, ok := taken[label]; !ok {
			return label
		}
		n++
	}
}

func (r *Registry) localSessions(ctx context.Context) ([]*sessions.Session, bool) {
	if r.local == nil {
		return nil, false
	}
	list, ok, err := r.local.Sessions(ctx, r.userID)
	if err != nil || !ok || len(list) == 0 {
		return nil, false
	}
	return list, true
}

func (r *Registry) syncLocal(ctx context.Context) {
	if r.local == nil {
		return
	}
	list := r.Sessions()
	r.mu.RLock()
	selected := r.selected
	r.mu.RUnlock()

	if err := r.local.SaveSessions(ctx, r.userID, list); err != nil {
		log.Warn().Err(err).Str("user_id", r.userID).Msg("Failed to cache session list")
	}
	if selected != "" {
		if err := r.local.SetSelectedSession(ctx, r.userID, selected); err != nil {
			log.Warn().Err(err).Str("user_id", r.userID).Msg("Failed to cache selected session")
		}
	}
}

func sessionLabel(n int) string { return fmt.Sprintf("Session %d", n) }

func containsSession(list []*sessions.Session, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

func cloneSession(s *sessions.Session) *sessions.Session {
	cp := *s
	return &cp
}

func cloneThread(thread []*sessions.Message) []*sessions.Message {
	out := make([]*sessions.Message, 0, len(thread))
	for _, m := range thread {
		cp := *m
		out = append(out, &cp)
	}
	return out
}
