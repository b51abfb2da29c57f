package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/conversation"
	"github.com/xpress/internal/identity"
	"github.com/xpress/internal/registry"
	"github.com/xpress/internal/sessions"
)

type sessionListResponse struct {
	Sessions []*sessions.Session `json:"sessions"`
	Selected string              `json:"selected"`
}

type createSessionRequest struct {
	Label string `json:"label"`
}

type draftRequest struct {
	Draft string `json:"draft"`
}

type draftResponse struct {
	Draft  string `json:"draft"`
	Synced bool   `json:"synced"`
}

type canvasRequest struct {
	Active bool `json:"active"`
}

// workspace resolves the caller's workspace.
func (s *Server) workspace(c echo.Context) (*conversation.Workspace, error) {
	user := identity.UserFrom(c)
	if user == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	ws, err := s.hub.Workspace(c.Request().Context(), user)
	if err != nil {
		return nil, httpError(err)
	}
	return ws, nil
}

// ownedSession resolves the :id param against the caller's registry.
func (s *Server) ownedSession(c echo.Context) (*conversation.Workspace, *sessions.Session, error) {
	ws, err := s.workspace(c)
	if err != nil {
		return nil, nil, err
	}
	sess, ok := ws.Registry().Session(c.Param("id"))
	if !ok {
		return nil, nil, httpError(registry.ErrSessionNotFound)
	}
	return ws, sess, nil
}

// GET /api/v1/sessions
func (s *Server) listSessions(c echo.Context) error {
	ws, err := s.workspace(c)
	if err != nil {
		return err
	}
	resp := sessionListResponse{Sessions: ws.Registry().Sessions()}
	if sel, ok := ws.Registry().Selected(); ok {
		resp.Selected = sel.ID
	}
	return c.JSON(http.StatusOK, resp)
}

// POST /api/v1/sessions
func (s *Server) createSession(c echo.Context) error {
	ws, err := s.workspace(c)
	if err != nil {
		return err
	}
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess, err := ws.NewSession(c.Request().Context(), req.Label)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// DELETE /api/v1/sessions/:id
func (s *Server) removeSession(c echo.Context) error {
	ws, err := s.workspace(c)
	if err != nil {
		return err
	}
	if err := ws.RemoveSession(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// POST /api/v1/sessions/:id/select
func (s *Server) selectSession(c echo.Context) error {
	ws, err := s.workspace(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := ws.Select(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"selected": id})
}

// PUT /api/v1/sessions/:id/draft
// The local copy is always kept; synced reports whether the store took it.
func (s *Server) saveDraft(c echo.Context) error {
	ws, sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	var req draftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp := draftResponse{Draft: req.Draft, Synced: true}
	if err := ws.SaveDraft(c.Request().Context(), sess.ID, req.Draft); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("Draft kept locally only")
		resp.Synced = false
	}
	return c.JSON(http.StatusOK, resp)
}

// PUT /api/v1/sessions/:id/canvas
func (s *Server) setCanvas(c echo.Context) error {
	ws, sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	var req canvasRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ws.SetCanvas(c.Request().Context(), req.Active)
	return c.JSON(http.StatusOK, ws.Canvas(sess.ID))
}
