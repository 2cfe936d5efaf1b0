package api

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/keyguard/internal/config"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/kashguard/keyguard/internal/kms/encryption"
	"github.com/kashguard/keyguard/internal/kms/hsm"
	"github.com/kashguard/keyguard/internal/kms/hsm/simulator"
	"github.com/kashguard/keyguard/internal/kms/hsm/software"
	"github.com/kashguard/keyguard/internal/kms/kdf"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/kashguard/keyguard/internal/kms/nonce"
	"github.com/kashguard/keyguard/internal/kms/securemem"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/kashguard/keyguard/internal/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	// postgres driver for database/sql
	_ "github.com/lib/pq"
)

const (
	auditKeySize       = 32
	dbConnectTimeout   = 30 * time.Second
	dbConnectMaxPeriod = 5 * time.Second
)

// PROVIDERS - 每个函数只依赖已经创建好的组件，由 InitNewServer 按顺序调用

func NewClock(t ...*testing.T) time2.Clock {
	if len(t) > 0 && t[0] != nil {
		return time2.NewMockClock(time.Now().UTC())
	}
	return time2.DefaultClock
}

// NewDB 打开连接池并等待数据库可用
func NewDB(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = dbConnectMaxPeriod
	b.MaxElapsedTime = dbConnectTimeout
	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("database", cfg.Redacted()).Dur("retry_in", wait).Msg("Database not reachable yet")
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	return db, nil
}

// NewStore 按配置选择存储后端
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewStore(cfg config.Server, db *sql.DB) (storage.Store, error) {
	switch cfg.KMS.StorageBackend {
	case config.StoragePostgreSQL:
		if db == nil {
			return nil, errors.New("postgresql storage backend requires a database connection")
		}
		return storage.NewPostgreSQLStore(db), nil
	case config.StorageMemory:
		log.Warn().Msg("Using in-memory storage, keys will not survive a restart")
		return storage.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unsupported storage backend: %s", cfg.KMS.StorageBackend)
	}
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// NewHSMAdapter 按配置创建并连接 HSM，HSMNone 时返回 nil
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewHSMAdapter(ctx context.Context, cfg config.Server, clock time2.Clock) (hsm.Adapter, error) {
	var (
		adapter hsm.Adapter
		err     error
	)
	switch cfg.KMS.HSMType {
	case config.HSMNone:
		return nil, nil //nolint:nilnil // no provider configured
	case config.HSMSimulator:
		adapter = simulator.NewAdapter(cfg.KMS.HSMProviderID, clock)
	case config.HSMPKCS11:
		adapter, err = software.NewAdapter(software.Config{
			ProviderID:  cfg.KMS.HSMProviderID,
			LibraryPath: cfg.KMS.HSMLibrary,
			Slot:        cfg.KMS.HSMSlot,
			Pin:         cfg.KMS.HSMPIN,
		}, clock)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported HSM type: %s", cfg.KMS.HSMType)
	}

	if err := adapter.Connect(ctx); err != nil {
		if !cfg.KMS.HSMAllowLocalFallback {
			return nil, errors.Wrap(err, "failed to connect to hsm")
		}
		// 允许回退时带着掉线的 HSM 启动，RegisterHSM 会记录不可用状态
		log.Warn().Err(err).Str("type", cfg.KMS.HSMType).Msg("HSM unavailable at startup, continuing with local fallback")
	}
	return adapter, nil
}

// NewTrail 审计 HMAC 密钥由配置的密钥经 HKDF 派生，不直接使用原始配置值
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewTrail(cfg config.Server, store storage.Store, clock time2.Clock, m *metrics.Service) (audit.Trail, error) {
	hmacKey, err := kdf.DeriveSubkey([]byte(cfg.Audit.HMACSecret), cfg.Audit.HMACInfo, auditKeySize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive audit hmac key")
	}
	return audit.NewTrail(store, hmacKey, clock, m)
}

type KeyServiceDeps struct {
	Store   storage.Store
	Trail   audit.Trail
	HSM     hsm.Adapter
	Clock   time2.Clock
	Metrics *metrics.Service
}

// NewKeyService 组装加密引擎、nonce 管理器和安全内存分配器
//
//nolint:ireturn // returning interface is intentional for abstraction
func NewKeyService(cfg config.Server, deps KeyServiceDeps) (key.Service, error) {
	mem := securemem.NewAllocator()
	deps.Metrics.TrackSecureBuffers(func() float64 {
		return float64(mem.Stats().ActiveBuffers)
	})

	nonces := nonce.NewManager(nonce.Config{
		MaxTrackedPerKey: cfg.KMS.MaxTrackedNoncesPerKey,
		MaxNoncesPerKey:  cfg.KMS.MaxNoncesPerKey,
	}, deps.Clock)
	engine := encryption.NewEngine(encryption.Config{
		MaxPlaintextSize: cfg.KMS.MaxPlaintextBytes,
		MaxAADSize:       cfg.KMS.MaxAADBytes,
	}, nonces, mem)

	return key.NewService(key.Config{
		RootPassphrase:     []byte(cfg.KMS.RootPassphrase),
		RootSalt:           []byte(cfg.KMS.RootSalt),
		RootKDFIterations:  cfg.KMS.RootKDFIterations,
		PreferHSM:          cfg.KMS.PreferHSM,
		AllowLocalFallback: cfg.KMS.HSMAllowLocalFallback,
		RotationTimeout:    cfg.KMS.RotationTimeout,
		RotationMaxRetries: cfg.KMS.RotationMaxRetries,
		RetryInterval:      cfg.KMS.RotationRetryInterval,
	}, key.Deps{
		Store:   deps.Store,
		Trail:   deps.Trail,
		Engine:  engine,
		Nonces:  nonces,
		Memory:  mem,
		KDF:     kdf.New(kdf.Params{Memory: cfg.KMS.KDFMemoryKiB, Threads: cfg.KMS.KDFThreads}),
		HSM:     deps.HSM,
		Clock:   deps.Clock,
		Metrics: deps.Metrics,
	})
}
