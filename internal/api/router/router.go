package router

import (
	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/api/handlers"
	"github.com/kashguard/keyguard/internal/api/httperrors"
	"github.com/kashguard/keyguard/internal/api/middleware"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
)

// Init 创建 echo 实例、注册中间件和全部巡检路由
func Init(s *api.Server) {
	s.Echo = echo.New()
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.HTTPErrorHandler = httperrors.HTTPErrorHandler

	s.Echo.Use(echoMiddleware.Recover())
	s.Echo.Use(echoMiddleware.RequestID())
	s.Echo.Use(middleware.Logger(s.Config.Logger.RequestLevel))
	s.Echo.Use(echoMiddleware.SecureWithConfig(echoMiddleware.SecureConfig{
		XSSProtection:      "",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	s.Router = &api.Router{
		Routes:  nil,
		Root:    s.Echo.Group(""),
		Inspect: s.Echo.Group("/api/v1/inspect"),
	}

	handlers.AttachAllRoutes(s)
}
