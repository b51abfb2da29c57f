package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, pane Pane) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, session_id, pane, role, sender_kind, sender_name, content, canvas, created_at
        FROM chat_messages
        WHERE session_id=$1 AND pane=$2
        ORDER BY created_at ASC, seq ASC
    `, sessionID, string(pane))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage inserts the message once; replays of the same id are no-ops.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO chat_messages (id, session_id, pane, role, sender_kind, sender_name, content, canvas, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (id) DO NOTHING
    `, msg.ID, msg.SessionID, string(msg.Pane), string(msg.Role), string(msg.Sender.Kind), msg.Sender.Name(), msg.Content, msg.Canvas, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, label, editor_draft, archived, created_at, updated_at
        FROM chat_sessions
        WHERE user_id=$1 AND NOT archived
        ORDER BY created_at ASC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID, label string) (*Session, error) {
	sess := &Session{ID: uuid.NewString(), UserID: userID, Label: label}
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO chat_sessions (id, user_id, label)
        VALUES ($1,$2,$3)
        RETURNING created_at, updated_at
    `, sess.ID, userID, label).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ArchiveSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET archived=TRUE, updated_at=now() WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return expectOneRow(res)
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, label, editor_draft, archived, created_at, updated_at
        FROM chat_sessions WHERE id=$1
    `, sessionID)
	return scanSession(row)
}

func (s *PostgresStore) UpdateDraft(ctx context.Context, sessionID, draft string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET editor_draft=$1, updated_at=now() WHERE id=$2`, draft, sessionID)
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	return expectOneRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Label, &sess.EditorDraft, &sess.Archived, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m                  Message
		pane, role         string
		senderKind, sender string
	)
	if err := row.Scan(&m.ID, &m.SessionID, &pane, &role, &senderKind, &sender, &m.Content, &m.Canvas, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Pane = Pane(pane)
	m.Role = Role(role)
	m.Sender = senderFromColumns(senderKind, sender)
	return &m, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
