package system

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/labstack/echo/v4"
)

func GetMemoryStatsRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/memory", getMemoryStatsHandler(s))
}

func getMemoryStatsHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.KeyService.MemoryStats())
	}
}
