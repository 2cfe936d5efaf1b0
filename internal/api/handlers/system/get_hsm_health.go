package system

import (
	"net/http"
	"time"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

type hsmView struct {
	ProviderID          string     `json:"provider_id"`
	ProviderType        string     `json:"provider_type"`
	SupportedAlgorithms []string   `json:"supported_algorithms"`
	HealthStatus        string     `json:"health_status"`
	HealthDetail        string     `json:"health_detail,omitempty"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
	AllowLocalFallback  bool       `json:"allow_local_fallback"`
}

type hsmHealthResponse struct {
	Providers []*hsmView `json:"providers"`
}

// GetHSMHealthRoute 触发一次健康检查并返回所有已登记的 HSM
func GetHSMHealthRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/hsm", getHSMHealthHandler(s))
}

func getHSMHealthHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		configs, err := s.KeyService.HSMHealth(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to check hsm health")
			return err
		}

		res := &hsmHealthResponse{Providers: make([]*hsmView, 0, len(configs))}
		for _, cfg := range configs {
			res.Providers = append(res.Providers, &hsmView{
				ProviderID:          cfg.ProviderID,
				ProviderType:        cfg.ProviderType,
				SupportedAlgorithms: cfg.SupportedAlgorithms,
				HealthStatus:        string(cfg.HealthStatus),
				HealthDetail:        cfg.HealthDetail,
				LastHealthCheck:     cfg.LastHealthCheck,
				AllowLocalFallback:  cfg.AllowLocalFallback,
			})
		}
		return c.JSON(http.StatusOK, res)
	}
}
