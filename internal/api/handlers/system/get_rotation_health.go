package system

import (
	"net/http"
	"time"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

const defaultFailureLookback = 7 * 24 * time.Hour

type expiringKeyView struct {
	KeyID     string     `json:"key_id"`
	KeyType   string     `json:"key_type"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type failedRotationView struct {
	RotationID   string     `json:"rotation_id"`
	KeyID        string     `json:"key_id"`
	PolicyID     string     `json:"policy_id,omitempty"`
	Trigger      string     `json:"trigger"`
	OldVersion   int        `json:"old_version"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message"`
	FailedAt     *time.Time `json:"failed_at"`
}

type rotationHealthResponse struct {
	ExpiringSoon    []*expiringKeyView    `json:"expiring_soon"`
	FailedRotations []*failedRotationView `json:"failed_rotations"`
}

// GetRotationHealthRoute 即将过期的密钥和最近失败的轮换
// within 默认取 Inspect.ExpiringWithin，since 默认取七天前
func GetRotationHealthRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/rotation/health", getRotationHealthHandler(s))
}

func getRotationHealthHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		within, err := util.QueryDuration(c, "within", s.Config.Inspect.ExpiringWithin)
		if err != nil {
			return err
		}
		since, err := util.QueryTime(c, "since")
		if err != nil {
			return err
		}
		if since == nil {
			t := s.Clock.Now().Add(-defaultFailureLookback)
			since = &t
		}

		expiring, err := s.KeyService.KeysExpiringSoon(ctx, within)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list expiring keys")
			return err
		}
		failed, err := s.KeyService.FailedRotations(ctx, *since)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list failed rotations")
			return err
		}

		res := &rotationHealthResponse{
			ExpiringSoon:    make([]*expiringKeyView, 0, len(expiring)),
			FailedRotations: make([]*failedRotationView, 0, len(failed)),
		}
		for _, k := range expiring {
			res.ExpiringSoon = append(res.ExpiringSoon, &expiringKeyView{
				KeyID:     k.KeyID,
				KeyType:   string(k.KeyType),
				Status:    string(k.Status),
				ExpiresAt: k.ExpiresAt,
			})
		}
		for _, r := range failed {
			res.FailedRotations = append(res.FailedRotations, &failedRotationView{
				RotationID:   r.RotationID,
				KeyID:        r.KeyID,
				PolicyID:     r.PolicyID,
				Trigger:      string(r.Trigger),
				OldVersion:   r.OldVersion,
				RetryCount:   r.RetryCount,
				ErrorMessage: r.ErrorMessage,
				FailedAt:     r.FailedAt,
			})
		}
		return c.JSON(http.StatusOK, res)
	}
}
