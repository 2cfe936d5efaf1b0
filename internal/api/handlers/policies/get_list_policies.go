package policies

import (
	"net/http"
	"time"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

type policyView struct {
	PolicyID             string    `json:"policy_id"`
	Name                 string    `json:"name"`
	KeyType              string    `json:"key_type"`
	RotationIntervalDays int       `json:"rotation_interval_days,omitempty"`
	MaxOperations        int64     `json:"max_operations,omitempty"`
	MaxDataVolumeMB      int64     `json:"max_data_volume_mb,omitempty"`
	MaxKeyAgeDays        int       `json:"max_key_age_days,omitempty"`
	WindowStartHour      *int      `json:"window_start_hour,omitempty"`
	WindowEndHour        *int      `json:"window_end_hour,omitempty"`
	NotifyDaysBefore     int       `json:"notify_days_before,omitempty"`
	NotificationChannel  string    `json:"notification_channel,omitempty"`
	AutoRotate           bool      `json:"auto_rotate"`
	MaxRetries           int       `json:"max_retries"`
	Enabled              bool      `json:"enabled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type listPoliciesResponse struct {
	Policies []*policyView `json:"policies"`
}

func GetListPoliciesRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/policies", getListPoliciesHandler(s))
}

func getListPoliciesHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		filter := &storage.PolicyFilter{
			KeyType:     storage.KeyType(c.QueryParam("key_type")),
			EnabledOnly: c.QueryParam("enabled") == "true",
		}
		list, err := s.KeyService.ListRotationPolicies(ctx, filter)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list rotation policies")
			return err
		}

		res := &listPoliciesResponse{Policies: make([]*policyView, 0, len(list))}
		for _, p := range list {
			res.Policies = append(res.Policies, &policyView{
				PolicyID:             p.PolicyID,
				Name:                 p.Name,
				KeyType:              string(p.KeyType),
				RotationIntervalDays: p.RotationIntervalDays,
				MaxOperations:        p.MaxOperations,
				MaxDataVolumeMB:      p.MaxDataVolumeMB,
				MaxKeyAgeDays:        p.MaxKeyAgeDays,
				WindowStartHour:      p.WindowStartHour,
				WindowEndHour:        p.WindowEndHour,
				NotifyDaysBefore:     p.NotifyDaysBefore,
				NotificationChannel:  p.NotificationChannel,
				AutoRotate:           p.AutoRotate,
				MaxRetries:           p.MaxRetries,
				Enabled:              p.Enabled,
				CreatedAt:            p.CreatedAt,
				UpdatedAt:            p.UpdatedAt,
			})
		}
		return c.JSON(http.StatusOK, res)
	}
}
