package audit

import (
	"net/http"
	"time"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/labstack/echo/v4"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

type auditLogView struct {
	LogID         int64             `json:"log_id"`
	EventType     string            `json:"event_type"`
	EventCategory string            `json:"event_category"`
	KeyID         string            `json:"key_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	SecurityLevel string            `json:"security_level,omitempty"`
	RiskScore     int               `json:"risk_score"`
	Result        string            `json:"result"`
	Details       map[string]string `json:"details,omitempty"`
	LogHash       string            `json:"log_hash"`
	PreviousHash  string            `json:"previous_hash"`
}

type auditLogsResponse struct {
	Events []*auditLogView `json:"events"`
	Total  int             `json:"total"`
}

func GetAuditLogsRoute(s *api.Server) *echo.Route {
	return s.Router.Inspect.GET("/audit/logs", getAuditLogsHandler(s))
}

func getAuditLogsHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		filter := &storage.AuditFilter{
			KeyID:     c.QueryParam("key_id"),
			EventType: c.QueryParam("event_type"),
			Category:  storage.EventCategory(c.QueryParam("category")),
		}
		var err error
		if filter.FromID, err = util.QueryInt64(c, "from_id", 0); err != nil {
			return err
		}
		if filter.ToID, err = util.QueryInt64(c, "to_id", 0); err != nil {
			return err
		}
		if filter.Since, err = util.QueryTime(c, "since"); err != nil {
			return err
		}
		if filter.Until, err = util.QueryTime(c, "until"); err != nil {
			return err
		}
		if filter.Limit, err = util.QueryInt(c, "limit", defaultLogLimit); err != nil {
			return err
		}
		if filter.Limit == 0 || filter.Limit > maxLogLimit {
			filter.Limit = maxLogLimit
		}

		records, err := s.Trail.Query(ctx, filter)
		if err != nil {
			log.Error().Err(err).Msg("Failed to query audit logs")
			return err
		}

		res := &auditLogsResponse{Events: make([]*auditLogView, 0, len(records)), Total: len(records)}
		for _, r := range records {
			res.Events = append(res.Events, &auditLogView{
				LogID:         r.LogID,
				EventType:     r.EventType,
				EventCategory: string(r.EventCategory),
				KeyID:         r.KeyID,
				UserID:        r.UserID,
				SessionID:     r.SessionID,
				IPAddress:     r.IPAddress,
				Timestamp:     r.Timestamp,
				SecurityLevel: string(r.SecurityLevel),
				RiskScore:     r.RiskScore,
				Result:        r.Result,
				Details:       r.Details,
				LogHash:       r.LogHash,
				PreviousHash:  r.PreviousHash,
			})
		}
		return c.JSON(http.StatusOK, res)
	}
}
