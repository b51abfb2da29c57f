package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyContent = errors.New("message content is empty")
)

// Store is the durable home of sessions and their messages. Messages are
// append-only and AppendMessage is idempotent by message id.
type Store interface {
	ListMessages(ctx context.Context, sessionID string, pane Pane) ([]*Message, error)
	AppendMessage(ctx context.Context, msg *Message) error
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	CreateSession(ctx context.Context, userID, label string) (*Session, error)
	ArchiveSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateDraft(ctx context.Context, sessionID, draft string) error
}

func validateMessage(msg *Message) error {
	if msg == nil || msg.ID == "" || msg.SessionID == "" {
		return errors.New("message id and session id are required")
	}
	if msg.Content == "" {
		return ErrEmptyContent
	}
	return nil
}

type storedMessage struct {
	msg *Message
	seq int64
}

// InMemoryStore is a threadsafe in-memory store for tests and --memory mode
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	messages map[string][]storedMessage
	seen     map[string]struct{}
	seq      int64
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]storedMessage),
		seen:     make(map[string]struct{}),
		now:      time.Now,
	}
}

func (s *InMemoryStore) ListMessages(ctx context.Context, sessionID string, pane Pane) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []storedMessage
	for _, sm := range s.messages[sessionID] {
		if sm.msg.Pane == pane {
			rows = append(rows, sm)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].msg.CreatedAt.Equal(rows[j].msg.CreatedAt) {
			return rows[i].msg.CreatedAt.Before(rows[j].msg.CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]*Message, 0, len(rows))
	for _, sm := range rows {
		out = append(out, cloneMessage(sm.msg))
	}
	return out, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return ErrNotFound
	}
	if _, dup := s.seen[msg.ID]; dup {
		return nil
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.seq++
	s.seen[msg.ID] = struct{}{}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], storedMessage{msg: cloneMessage(msg), seq: s.seq})
	return nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.order))
	for _, id := range s.order {
		sess := s.sessions[id]
		if sess.UserID != userID || sess.Archived {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	return out, nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, userID, label string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	return cloneSession(sess), nil
}

func (s *InMemoryStore) ArchiveSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Archived = true
	sess.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) UpdateDraft(ctx context.Context, sessionID, draft string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.EditorDraft = draft
	sess.UpdatedAt = s.now()
	return nil
}
