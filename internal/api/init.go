package api

import (
	"context"
	"database/sql"
	"testing"

	"github.com/kashguard/keyguard/internal/config"
	"github.com/kashguard/keyguard/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// InitNewServer 创建服务器组件，postgresql 后端时打开数据库连接
// Echo 和 Router 需要随后由 router.Init 初始化
func InitNewServer(ctx context.Context, cfg config.Server) (*Server, error) {
	var db *sql.DB
	if cfg.KMS.StorageBackend == config.StoragePostgreSQL {
		var err error
		db, err = NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
	}

	s, err := InitNewServerWithDB(ctx, cfg, db, NoTest()...)
	if err != nil && db != nil {
		_ = db.Close()
	}
	return s, err
}

// InitNewServerWithDB 使用给定的数据库连接创建服务器，内存后端时 db 可以为 nil
// 传入 t 时使用 MockClock
func InitNewServerWithDB(ctx context.Context, cfg config.Server, db *sql.DB, t ...*testing.T) (*Server, error) {
	s := NewServer(cfg)
	s.DB = db
	s.Clock = NewClock(t...)
	s.Registry = NewRegistry()
	s.Metrics = metrics.New(s.Registry)

	store, err := NewStore(cfg, db)
	if err != nil {
		return nil, err
	}
	s.Store = store

	trail, err := NewTrail(cfg, store, s.Clock, s.Metrics)
	if err != nil {
		return nil, err
	}
	s.Trail = trail

	adapter, err := NewHSMAdapter(ctx, cfg, s.Clock)
	if err != nil {
		return nil, err
	}
	s.HSM = adapter

	svc, err := NewKeyService(cfg, KeyServiceDeps{
		Store:   store,
		Trail:   trail,
		HSM:     adapter,
		Clock:   s.Clock,
		Metrics: s.Metrics,
	})
	if err != nil {
		if adapter != nil {
			_ = adapter.Disconnect(ctx)
		}
		return nil, errors.Wrap(err, "failed to create key service")
	}
	s.KeyService = svc

	if adapter != nil {
		// 登记 HSM 配置并记录健康状态，掉线时服务仍然启动
		if _, err := svc.RegisterHSM(ctx); err != nil {
			log.Warn().Err(err).Msg("HSM registration reported an unhealthy provider")
		}
	}

	return s, nil
}

func NoTest() []*testing.T {
	return nil
}
