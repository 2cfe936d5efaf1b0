package keys

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

// GetNonceStatsRoute nonce 统计按密钥版本计数，version 缺省时取当前版本
func GetNonceStatsRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/keys/:id/nonces", getNonceStatsHandler(s))
}

func getNonceStatsHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		keyID := c.Param("id")

		version, err := util.QueryInt(c, "version", 0)
		if err != nil {
			return err
		}
		if _, found, err := s.KeyService.GetKeyByID(ctx, keyID); err != nil {
			return err
		} else if !found {
			return kmserr.KeyNotFound(keyID)
		}
		if version == 0 {
			versions, err := s.KeyService.ListVersions(ctx, keyID)
			if err != nil {
				return err
			}
			for _, v := range versions {
				if v.ActivatedAt != nil && v.DeactivatedAt == nil {
					version = v.VersionNumber
				}
			}
			if version == 0 {
				return kmserr.Validation("key has no active version")
			}
		}

		stats := s.KeyService.NonceStats(key.VersionScope(keyID, version))
		return c.JSON(http.StatusOK, stats)
	}
}
