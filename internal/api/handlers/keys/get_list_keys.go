package keys

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

const defaultListLimit = 100

type listKeysResponse struct {
	Keys  []*keyView `json:"keys"`
	Total int        `json:"total"`
}

func GetListKeysRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/keys", getListKeysHandler(s))
}

func getListKeysHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		filter := &storage.KeyFilter{
			KeyType:       storage.KeyType(c.QueryParam("key_type")),
			Status:        storage.KeyStatus(c.QueryParam("status")),
			ParentKeyID:   c.QueryParam("parent_key_id"),
			SecurityLevel: storage.SecurityLevel(c.QueryParam("security_level")),
		}
		var err error
		if filter.Limit, err = util.QueryInt(c, "limit", defaultListLimit); err != nil {
			return err
		}
		if filter.Offset, err = util.QueryInt(c, "offset", 0); err != nil {
			return err
		}

		keys, err := s.KeyService.ListKeys(ctx, filter)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list keys")
			return err
		}

		res := &listKeysResponse{Keys: make([]*keyView, 0, len(keys)), Total: len(keys)}
		for _, k := range keys {
			res.Keys = append(res.Keys, newKeyView(k))
		}
		return c.JSON(http.StatusOK, res)
	}
}
