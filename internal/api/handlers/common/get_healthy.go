package common

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/labstack/echo/v4"
)

// GetHealthyRoute 存活检查，只要进程在处理请求就返回 200
func GetHealthyRoute(s *api.Server) *echo.Route {
	return s.Router.Root.GET("/-/healthy", getHealthyHandler(s))
}

func getHealthyHandler(_ *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, "Healthy.")
	}
}
