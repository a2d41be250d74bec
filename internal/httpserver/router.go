// Package httpserver exposes a running session to local tooling: health
// probes, the session snapshot, permission checks and Prometheus metrics.
package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	ecM "github.com/labstack/echo/v4/middleware"

	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/session"
	loggingmw "github.com/Skotchmaster/rbe_session/pkg/middleware/logging"
)

// SessionView is the part of session.Manager the routes read.
type SessionView interface {
	Snapshot() session.Snapshot
	State() session.State
	CanAccess(res domain.Resource, act domain.Action) bool
	Capabilities() map[domain.Resource][]domain.Action
	Focus()
}

type Deps struct {
	Session SessionView
	Metrics http.Handler
	Logger  *slog.Logger
}

func Register(e *echo.Echo, d *Deps) {
	e.Use(ecM.Recover(), loggingmw.RequestLogger(d.Logger))

	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Session.State() == session.StateValidating {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	s := e.Group("/session")
	s.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, d.Session.Snapshot())
	})
	s.GET("/capabilities", func(c echo.Context) error {
		return c.JSON(http.StatusOK, d.Session.Capabilities())
	})
	s.GET("/can", func(c echo.Context) error { return can(c, d.Session) })
	s.POST("/focus", func(c echo.Context) error {
		d.Session.Focus()
		return c.NoContent(http.StatusAccepted)
	})
}

func can(c echo.Context, v SessionView) error {
	res, err := domain.ParseResource(c.QueryParam("resource"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	act, err := domain.ParseAction(c.QueryParam("action"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"resource": res,
		"action":   act,
		"allowed":  v.CanAccess(res, act),
	})
}
