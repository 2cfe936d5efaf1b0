package audit

import (
	"net/http"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

type verifyChainResponse struct {
	Valid         bool  `json:"valid"`
	Checked       int   `json:"checked"`
	FirstBrokenID int64 `json:"first_broken_id,omitempty"`
}

// GetVerifyChainRoute 校验 [from, to] 范围内的哈希链，to 缺省时校验到链尾
func GetVerifyChainRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/audit/verify", getVerifyChainHandler(s))
}

func getVerifyChainHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		from, err := util.QueryInt64(c, "from", 1)
		if err != nil {
			return err
		}
		to, err := util.QueryInt64(c, "to", 0)
		if err != nil {
			return err
		}

		result, err := s.Trail.VerifyChain(ctx, from, to)
		if err != nil {
			log.Error().Err(err).Int64("from", from).Int64("to", to).Msg("Failed to verify audit chain")
			return err
		}
		if !result.Valid {
			log.Warn().Int64("first_broken_id", result.FirstBrokenID).Msg("Audit chain verification failed")
		}

		return c.JSON(http.StatusOK, &verifyChainResponse{
			Valid:         result.Valid,
			Checked:       result.Checked,
			FirstBrokenID: result.FirstBrokenID,
		})
	}
}
