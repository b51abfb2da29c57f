package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/registry"
	"github.com/xpress/internal/sessions"
)

// CanvasStore persists the canvas toggle per user.
type CanvasStore interface {
	SetCanvasActive(ctx context.Context, userID string, active bool) error
	CanvasActive(ctx context.Context, userID string) (bool, error)
}

// Workspace is one user's research and writer panes bound to the selected
// session. Only the writer pane sees the canvas.
type Workspace struct {
	registry *registry.Registry
	canvas   CanvasStore
	research *Controller
	writer   *Controller

	mu           sync.Mutex
	canvasActive bool
}

// NewWorkspace builds both controllers from opts, which must not set Pane
// or Canvas, and opens the registry's selected session. The registry must
// already be loaded.
func NewWorkspace(ctx context.Context, reg *registry.Registry, canvas CanvasStore, opts ControllerOptions) (*Workspace, error) {
	w := &Workspace{registry: reg, canvas: canvas}

	if canvas != nil {
		active, err := canvas.CanvasActive(ctx, reg.UserID())
		if err != nil {
			log.Warn().Err(err).Str("user_id", reg.UserID()).Msg("Failed to read canvas state")
		}
		w.canvasActive = active
	}

	researchOpts := opts
	researchOpts.Pane = sessions.PaneResearch
	researchOpts.Threads = reg
	researchOpts.Canvas = nil
	w.research = NewController(researchOpts)

	writerOpts := opts
	writerOpts.Pane = sessions.PaneWriter
	writerOpts.Threads = reg
	writerOpts.Canvas = w
	w.writer = NewController(writerOpts)

	sel, ok := reg.Selected()
	if !ok {
		return nil, fmt.Errorf("registry has no selected session")
	}
	if err := w.open(ctx, sel.ID); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workspace) Registry() *registry.Registry { return w.registry }

// Pane returns the controller for p.
func (w *Workspace) Pane(p sessions.Pane) *Controller {
	if p == sessions.PaneWriter {
		return w.writer
	}
	return w.research
}

func (w *Workspace) open(ctx context.Context, id string) error {
	for _, c := range []*Controller{w.research, w.writer} {
		if err := c.Open(ctx, id); err != nil {
			return fmt.Errorf("open %s pane: %w", c.Pane(), err)
		}
	}
	return nil
}

// Select switches both panes to session id after settling their streams.
func (w *Workspace) Select(ctx context.Context, id string) error {
	if _, ok := w.registry.Session(id); !ok {
		return registry.ErrSessionNotFound
	}
	if err := w.open(ctx, id); err != nil {
		return err
	}
	return w.registry.Select(ctx, id)
}

// NewSession creates a session and selects it.
func (w *Workspace) NewSession(ctx context.Context, label string) (*sessions.Session, error) {
	sess, err := w.registry.Create(ctx, label)
	if err != nil {
		return nil, err
	}
	if err := w.Select(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// RemoveSession archives id. Removing the selected session moves both panes
// to the registry's new selection.
func (w *Workspace) RemoveSession(ctx context.Context, id string) error {
	sel, _ := w.registry.Selected()
	wasSelected := sel != nil && sel.ID == id
	if wasSelected {
		w.research.Stop()
		w.writer.Stop()
	}

	if err := w.registry.Remove(ctx, id); err != nil {
		return err
	}

	if wasSelected {
		next, ok := w.registry.Selected()
		if !ok {
			return fmt.Errorf("registry has no selected session")
		}
		return w.open(ctx, next.ID)
	}
	return nil
}

func (w *Workspace) SetCanvas(ctx context.Context, active bool) {
	w.mu.Lock()
	w.canvasActive = active
	w.mu.Unlock()

	if w.canvas != nil {
		if err := w.canvas.SetCanvasActive(ctx, w.registry.UserID(), active); err != nil {
			log.Warn().Err(err).Msg("Failed to persist canvas state")
		}
	}
}

// Canvas reports the canvas state for sessionID.
func (w *Workspace) Canvas(sessionID string) CanvasState {
	w.mu.Lock()
	active := w.canvasActive
	w.mu.Unlock()
	return CanvasState{Active: active, Draft: w.registry.Draft(sessionID)}
}

func (w *Workspace) SaveDraft(ctx context.Context, sessionID, draft string) error {
	return w.registry.SaveDraft(ctx, sessionID, draft)
}

// Close cancels and settles both panes.
func (w *Workspace) Close() {
	w.research.Stop()
	w.writer.Stop()
}
