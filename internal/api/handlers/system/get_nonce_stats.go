package system

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/labstack/echo/v4"
)

// GetNonceStatsRoute 所有密钥版本的 nonce 汇总统计
func GetNonceStatsRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/nonces", getNonceStatsHandler(s))
}

func getNonceStatsHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.KeyService.NonceStats(""))
	}
}
