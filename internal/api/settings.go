package api

import (
	"bytes"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xpress/internal/completion"
	"github.com/xpress/internal/settings"
)

// GET /api/v1/sessions/:id/settings
func (s *Server) getSettings(c echo.Context) error {
	_, sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	resolved := s.deps.Settings.Resolve(c.Request().Context(), sess.ID)
	return c.JSON(http.StatusOK, resolved.Redacted())
}

// PATCH /api/v1/sessions/:id/settings
func (s *Server) patchSettings(c echo.Context) error {
	_, sess, err := s.ownedSession(c)
	if err != nil {
		return err
	}
	var patch settings.Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	if err := s.deps.Settings.Persist(ctx, sess.ID, patch); err != nil {
		return httpError(err)
	}
	resolved := s.deps.Settings.Resolve(ctx, sess.ID)
	return c.JSON(http.StatusOK, resolved.Redacted())
}

// GET /api/v1/models
// Lists fine-tuned models reachable with the configured fetch tokens and
// the selected session's model tokens.
func (s *Server) listModels(c echo.Context) error {
	if s.deps.Catalog == nil {
		return c.JSON(http.StatusOK, map[string]any{"models": []completion.ModelOption{}})
	}
	ws, err := s.workspace(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	tokens := append([]string(nil), s.deps.FetchTokens...)
	if sel, ok := ws.Registry().Selected(); ok {
		for _, token := range s.deps.Settings.Resolve(ctx, sel.ID).ModelTokens {
			tokens = append(tokens, token)
		}
	}

	models := s.deps.Catalog.FineTuned(ctx, tokens)
	if models == nil {
		models = []completion.ModelOption{}
	}
	return c.JSON(http.StatusOK, map[string]any{"models": models})
}

// GET /api/v1/logs/errors
func (s *Server) exportErrorLog(c echo.Context) error {
	var buf bytes.Buffer
	if err := s.deps.Errors.Export(&buf); err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="error_logs.json"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, buf.Bytes())
}
