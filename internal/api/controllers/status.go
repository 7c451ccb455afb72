package controllers

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/newsreap/newsreap/internal/app"
)

type StatusController struct {
	App *app.Context
}

// PoolStatus is the /status response body.
type PoolStatus struct {
	Workers   int `json:"workers"`
	Available int `json:"available"`
	Queued    int `json:"queued"`
	Servers   int `json:"servers"`
}

func (ctrl *StatusController) HandleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (ctrl *StatusController) HandleStatus(c *echo.Context) error {
	if ctrl.App.Pool == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "connection pool not running")
	}
	total, available, queued := ctrl.App.Pool.Stats()
	return c.JSON(http.StatusOK, PoolStatus{
		Workers:   total,
		Available: available,
		Queued:    queued,
		Servers:   len(ctrl.App.Config.Servers),
	})
}
