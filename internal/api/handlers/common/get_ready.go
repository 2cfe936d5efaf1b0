package common

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/api/httperrors"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

// GetReadyRoute 就绪检查，组件未初始化或存储不可达时返回 503
func GetReadyRoute(s *api.Server) *echo.Route {
	return s.Router.Root.GET("/-/ready", getReadyHandler(s))
}

func getReadyHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		if !s.Ready() {
			return httperrors.NewHTTPError(http.StatusServiceUnavailable, httperrors.TypeGeneric, "Server is not ready.")
		}
		if err := s.Store.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Storage ping failed")
			return httperrors.NewHTTPError(http.StatusServiceUnavailable, httperrors.TypeGeneric, "Storage is not reachable.")
		}

		return c.String(http.StatusOK, "Ready.")
	}
}
