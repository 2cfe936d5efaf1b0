package api

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/dropbox/godropbox/time2"
	"github.com/hashicorp/go-multierror"
	"github.com/kashguard/keyguard/internal/config"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/metrics"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type Router struct {
	Routes  []*echo.Route
	Root    *echo.Group
	Inspect *echo.Group
}

// Server 持有巡检服务和调度循环需要的全部组件
// 由 InitNewServer 按依赖顺序创建，Echo 和 Router 由 router.Init 填充
type Server struct {
	Echo   *echo.Echo
	Router *Router

	Config   config.Server
	DB       *sql.DB // 内存存储时为 nil
	Clock    time2.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.Service

	Store      storage.Store
	Trail      audit.Trail
	HSM        hsm.Adapter // 未配置 HSM 时为 nil
	KeyService key.Service
}

func NewServer(cfg config.Server) *Server {
	return &Server{Config: cfg}
}

// Ready 所有必需组件都已初始化时返回 true
func (s *Server) Ready() bool {
	var missing []string
	if s.Echo == nil || s.Router == nil {
		missing = append(missing, "router")
	}
	if s.Store == nil {
		missing = append(missing, "store")
	}
	if s.Trail == nil {
		missing = append(missing, "audit trail")
	}
	if s.KeyService == nil {
		missing = append(missing, "key service")
	}
	if s.Registry == nil || s.Metrics == nil {
		missing = append(missing, "metrics")
	}
	if s.Config.KMS.StorageBackend == config.StoragePostgreSQL && s.DB == nil {
		missing = append(missing, "database")
	}
	if len(missing) > 0 {
		log.Debug().Strs("missing", missing).Msg("Server is not fully initialized")
		return false
	}
	return true
}

func (s *Server) Start() error {
	if !s.Ready() {
		return errors.New("server is not ready")
	}

	if err := s.Echo.Start(s.Config.Inspect.ListenAddress); err != nil {
		return errors.Wrap(err, "failed to start echo server")
	}

	return nil
}

// Shutdown 依次关闭 HTTP 服务、密钥服务（断开 HSM）和数据库连接
func (s *Server) Shutdown(ctx context.Context) error {
	log.Warn().Msg("Shutting down server")

	var result *multierror.Error

	if s.Echo != nil {
		log.Debug().Msg("Shutting down echo server")
		if err := s.Echo.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Failed to shutdown echo server")
			result = multierror.Append(result, err)
		}
	}

	if s.KeyService != nil {
		log.Debug().Msg("Closing key service")
		if err := s.KeyService.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to close key service")
			result = multierror.Append(result, err)
		}
	}

	if s.DB != nil {
		log.Debug().Msg("Closing database connection")
		if err := s.DB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			log.Error().Err(err).Msg("Failed to close database connection")
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
