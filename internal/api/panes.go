package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/conversation"
	"github.com/xpress/internal/sessions"
)

type submitRequest struct {
	Input string `json:"input"`
}

type paneResponse struct {
	SessionID string              `json:"session_id"`
	Pane      sessions.Pane       `json:"pane"`
	State     string              `json:"state"`
	Messages  []*sessions.Message `json:"messages"`
}

type deltaEvent struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type resultEvent struct {
	MessageID string               `json:"message_id"`
	Outcome   conversation.Outcome `json:"outcome"`
	Content   string               `json:"content,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// paneController returns the controller for :pane, provided :id is the
// session it is bound to.
func (s *Server) paneController(c echo.Context) (*conversation.Controller, error) {
	ws, sess, err := s.ownedSession(c)
	if err != nil {
		return nil, err
	}
	pane, err := sessions.ParsePane(c.Param("pane"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctrl := ws.Pane(pane)
	if ctrl.SessionID() != sess.ID {
		return nil, httpError(errSessionNotSelected)
	}
	return ctrl, nil
}

// GET /api/v1/sessions/:id/panes/:pane/messages
func (s *Server) paneMessages(c echo.Context) error {
	ctrl, err := s.paneController(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, paneResponse{
		SessionID: ctrl.SessionID(),
		Pane:      ctrl.Pane(),
		State:     ctrl.State().String(),
		Messages:  ctrl.Thread(),
	})
}

// POST /api/v1/sessions/:id/panes/:pane/submit
// Streams server-sent events: "delta" carries the full content so far, then
// one of "done", "cancelled" or "error". Disconnecting cancels the stream.
func (s *Server) submit(c echo.Context) error {
	ctrl, err := s.paneController(c)
	if err != nil {
		return err
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	h, err := ctrl.Submit(ctx, req.Input)
	if err != nil {
		return httpError(err)
	}
	if h == nil {
		return c.NoContent(http.StatusNoContent)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	updates := h.Updates()
	for updates != nil {
		select {
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := writeEvent(w, "delta", deltaEvent{MessageID: u.MessageID, Content: u.Content}); err != nil {
				h.Cancel()
				return nil
			}
		case <-ctx.Done():
			log.Debug().Str("session_id", h.SessionID).Str("pane", string(h.Pane)).Msg("Client went away, cancelling stream")
			h.Cancel()
			return nil
		}
	}

	res := h.Wait()
	evt := resultEvent{MessageID: h.MessageID, Outcome: res.Outcome, Content: res.Content}
	name := "done"
	switch res.Outcome {
	case conversation.OutcomeCancelled:
		name = "cancelled"
	case conversation.OutcomeFailed, conversation.OutcomeTimedOut:
		name = "error"
		evt.Error = conversation.NoticeText(res.Err)
	}
	if err := writeEvent(w, name, evt); err != nil {
		log.Debug().Err(err).Msg("Failed to write final event")
	}
	return nil
}

// POST /api/v1/sessions/:id/panes/:pane/cancel
func (s *Server) cancel(c echo.Context) error {
	ctrl, err := s.paneController(c)
	if err != nil {
		return err
	}
	ctrl.Cancel()
	return c.JSON(http.StatusOK, map[string]string{"state": ctrl.State().String()})
}

func writeEvent(w *echo.Response, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
