// Package handlers 注册巡检服务的全部只读路由
package handlers

import (
	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/api/handlers/audit"
	"github.com/kashguard/keyguard/internal/api/handlers/common"
	"github.com/kashguard/keyguard/internal/api/handlers/keys"
	"github.com/kashguard/keyguard/internal/api/handlers/policies"
	"github.com/kashguard/keyguard/internal/api/handlers/system"
	"github.com/labstack/echo/v4"
)

func AttachAllRoutes(s *api.Server) {
	routes := []*echo.Route{
		common.GetHealthyRoute(s),
		common.GetReadyRoute(s),
		keys.GetListKeysRoute(s),
		keys.GetKeyRoute(s),
		keys.GetNonceStatsRoute(s),
		policies.GetListPoliciesRoute(s),
		audit.GetAuditLogsRoute(s),
		audit.GetVerifyChainRoute(s),
		system.GetMemoryStatsRoute(s),
		system.GetNonceStatsRoute(s),
		system.GetHSMHealthRoute(s),
		system.GetRotationHealthRoute(s),
	}
	if s.Config.Inspect.EnableMetrics {
		routes = append(routes, common.GetMetricsRoute(s))
	}
	s.Router.Routes = append(s.Router.Routes, routes...)
}
