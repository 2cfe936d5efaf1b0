package keys

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/kmserr"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

type getKeyResponse struct {
	*keyView
	CurrentVersion int            `json:"current_version"`
	Versions       []*versionView `json:"versions"`
}

func GetKeyRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/keys/:id", getKeyHandler(s))
}

func getKeyHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)
		keyID := c.Param("id")

		k, found, err := s.KeyService.GetKeyByID(ctx, keyID)
		if err != nil {
			log.Error().Err(err).Str("key_id", keyID).Msg("Failed to get key")
			return err
		}
		if !found {
			return kmserr.KeyNotFound(keyID)
		}
		versions, err := s.KeyService.ListVersions(ctx, keyID)
		if err != nil {
			log.Error().Err(err).Str("key_id", keyID).Msg("Failed to list key versions")
			return err
		}

		res := &getKeyResponse{keyView: newKeyView(k), Versions: make([]*versionView, 0, len(versions))}
		for _, v := range versions {
			if v.ActivatedAt != nil && v.DeactivatedAt == nil {
				res.CurrentVersion = v.VersionNumber
			}
			res.Versions = append(res.Versions, newVersionView(v))
		}
		return c.JSON(http.StatusOK, res)
	}
}
