package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/conversation"
	"github.com/xpress/internal/registry"
	"github.com/xpress/internal/sessions"
)

var errSessionNotSelected = errors.New("session is not the selected session")

// httpError maps domain errors to status codes. Unknown errors are logged
// and hidden behind a 500.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound), errors.Is(err, sessions.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, registry.ErrLastSession):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrPaneBusy):
		return echo.NewHTTPError(http.StatusConflict, "a response is already streaming in this pane")
	case errors.Is(err, errSessionNotSelected), errors.Is(err, conversation.ErrNoSession):
		return echo.NewHTTPError(http.StatusConflict, errSessionNotSelected.Error())
	case errors.Is(err, sessions.ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	default:
		log.Error().Err(err).Msg("Unhandled API error")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
