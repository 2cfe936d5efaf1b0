// Package config 从环境变量读取服务配置，可选地叠加 TOML 文件
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kashguard/keyguard/internal/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	StorageMemory     = "memory"
	StoragePostgreSQL = "postgresql"

	HSMNone      = "none"
	HSMSimulator = "simulator"
	HSMPKCS11    = "pkcs11"

	minRootSaltLength   = 16
	minAuditSecretBytes = 32
)

type Database struct {
	Host             string            `toml:"host"`
	Port             int               `toml:"port"`
	Username         string            `toml:"username"`
	Password         string            `toml:"password"`
	Database         string            `toml:"database"`
	AdditionalParams map[string]string `toml:"params"`
	MaxOpenConns     int               `toml:"max_open_conns"`
	MaxIdleConns     int               `toml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration     `toml:"conn_max_lifetime"`
}

// ConnectionString 生成 lib/pq 使用的 DSN，参数按键排序
func (c Database) ConnectionString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, quote(c.Username), quote(c.Password), quote(c.Database))

	keys := make([]string, 0, len(c.AdditionalParams))
	for k := range c.AdditionalParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, quote(c.AdditionalParams[k]))
	}
	return b.String()
}

// quote 按 libpq 规则转义含空格或引号的值
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Redacted 用于日志，不包含密码
func (c Database) Redacted() string {
	u := url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", c.Host, c.Port), Path: c.Database}
	if c.Username != "" {
		u.User = url.User(c.Username)
	}
	return u.String()
}

type KMS struct {
	StorageBackend string `toml:"storage_backend"`

	HSMType               string `toml:"hsm_type"`
	HSMProviderID         string `toml:"hsm_provider_id"`
	HSMLibrary            string `toml:"hsm_library"`
	HSMSlot               uint   `toml:"hsm_slot"`
	HSMPIN                string `toml:"hsm_pin"`
	HSMAllowLocalFallback bool   `toml:"hsm_allow_local_fallback"`
	PreferHSM             bool   `toml:"prefer_hsm"`

	RootPassphrase    string `toml:"root_passphrase"`
	RootSalt          string `toml:"root_salt"`
	RootKDFIterations uint32 `toml:"root_kdf_iterations"`
	KDFMemoryKiB      uint32 `toml:"kdf_memory_kib"`
	KDFThreads        uint8  `toml:"kdf_threads"`

	RotationTimeout       time.Duration `toml:"rotation_timeout"`
	RotationMaxRetries    int           `toml:"rotation_max_retries"`
	RotationRetryInterval time.Duration `toml:"rotation_retry_interval"`

	MaxNoncesPerKey        uint64 `toml:"max_nonces_per_key"`
	MaxTrackedNoncesPerKey int    `toml:"max_tracked_nonces_per_key"`
	MaxPlaintextBytes      int    `toml:"max_plaintext_bytes"`
	MaxAADBytes            int    `toml:"max_aad_bytes"`
}

type Audit struct {
	// HMACSecret 经 HKDF 派生出审计链的 HMAC 密钥
	HMACSecret string `toml:"hmac_secret"`
	HMACInfo   string `toml:"hmac_info"`
}

type Logger struct {
	Level              zerolog.Level `toml:"level"`
	RequestLevel       zerolog.Level `toml:"request_level"`
	PrettyPrintConsole bool          `toml:"pretty_print_console"`
}

type Inspect struct {
	ListenAddress string `toml:"listen_address"`
	EnableMetrics bool   `toml:"enable_metrics"`
	// ExpiringWithin /rotation/health 报告的到期窗口
	ExpiringWithin time.Duration `toml:"expiring_within"`
}

type Scheduler struct {
	Enabled       bool          `toml:"enabled"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

type Server struct {
	Database  Database  `toml:"database"`
	KMS       KMS       `toml:"kms"`
	Audit     Audit     `toml:"audit"`
	Logger    Logger    `toml:"logger"`
	Inspect   Inspect   `toml:"inspect"`
	Scheduler Scheduler `toml:"scheduler"`
}

// DefaultServiceConfigFromEnv 返回环境变量覆盖后的默认配置
func DefaultServiceConfigFromEnv() Server {
	return Server{
		Database: Database{
			Host:     util.GetEnv("PGHOST", "postgres"),
			Port:     util.GetEnvAsInt("PGPORT", 5432),
			Database: util.GetEnv("PGDATABASE", "keyguard"),
			Username: util.GetEnv("PGUSER", "keyguard"),
			Password: util.GetEnv("PGPASSWORD", ""),
			AdditionalParams: dbParams(
				util.GetEnv("PGSSLMODE", "disable"),
				util.GetEnvAsStringArr("DB_EXTRA_PARAMS", nil, ","),
			),
			MaxOpenConns:    util.GetEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    util.GetEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: util.GetEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		KMS: KMS{
			StorageBackend: util.GetEnvEnum("KMS_STORAGE_BACKEND", StoragePostgreSQL, []string{StoragePostgreSQL, StorageMemory}),

			HSMType:               util.GetEnvEnum("KMS_HSM_TYPE", HSMNone, []string{HSMNone, HSMSimulator, HSMPKCS11}),
			HSMProviderID:         util.GetEnv("KMS_HSM_PROVIDER_ID", ""),
			HSMLibrary:            util.GetEnv("KMS_HSM_LIBRARY", "/usr/lib/softhsm/libsofthsm2.so"),
			HSMSlot:               uint(util.GetEnvAsInt("KMS_HSM_SLOT", 0)), //nolint:gosec // slot ids are small non-negative integers
			HSMPIN:                util.GetEnv("KMS_HSM_PIN", ""),
			HSMAllowLocalFallback: util.GetEnvAsBool("KMS_HSM_ALLOW_LOCAL_FALLBACK", false),
			PreferHSM:             util.GetEnvAsBool("KMS_PREFER_HSM", false),

			RootPassphrase:    util.GetEnv("KMS_ROOT_PASSPHRASE", ""),
			RootSalt:          util.GetEnv("KMS_ROOT_SALT", ""),
			RootKDFIterations: util.GetEnvAsUint32("KMS_ROOT_KDF_ITERATIONS", 3),
			KDFMemoryKiB:      util.GetEnvAsUint32("KMS_KDF_MEMORY_KIB", 64*1024),
			KDFThreads:        uint8(util.GetEnvAsInt("KMS_KDF_THREADS", 4)), //nolint:gosec // thread counts fit in uint8

			RotationTimeout:       util.GetEnvAsDuration("KMS_ROTATION_TIMEOUT", 30*time.Second),
			RotationMaxRetries:    util.GetEnvAsInt("KMS_ROTATION_MAX_RETRIES", 3),
			RotationRetryInterval: util.GetEnvAsDuration("KMS_ROTATION_RETRY_INTERVAL", time.Second),

			MaxNoncesPerKey:        util.GetEnvAsUint64("KMS_MAX_NONCES_PER_KEY", 1<<32),
			MaxTrackedNoncesPerKey: util.GetEnvAsInt("KMS_MAX_TRACKED_NONCES_PER_KEY", 100000),
			MaxPlaintextBytes:      util.GetEnvAsInt("KMS_MAX_PLAINTEXT_BYTES", 64<<20),
			MaxAADBytes:            util.GetEnvAsInt("KMS_MAX_AAD_BYTES", 64<<10),
		},
		Audit: Audit{
			HMACSecret: util.GetEnv("KMS_AUDIT_HMAC_SECRET", ""),
			HMACInfo:   util.GetEnv("KMS_AUDIT_HMAC_INFO", "audit-chain-v1"),
		},
		Logger: Logger{
			Level:              parseLevel(util.GetEnv("SERVER_LOGGER_LEVEL", "info"), zerolog.InfoLevel),
			RequestLevel:       parseLevel(util.GetEnv("SERVER_LOGGER_REQUEST_LEVEL", "debug"), zerolog.DebugLevel),
			PrettyPrintConsole: util.GetEnvAsBool("SERVER_LOGGER_PRETTY_PRINT_CONSOLE", false),
		},
		Inspect: Inspect{
			ListenAddress:  util.GetEnv("SERVER_INSPECT_LISTEN_ADDRESS", ":8090"),
			EnableMetrics:  util.GetEnvAsBool("SERVER_INSPECT_ENABLE_METRICS", true),
			ExpiringWithin: util.GetEnvAsDuration("SERVER_INSPECT_EXPIRING_WITHIN", 7*24*time.Hour),
		},
		Scheduler: Scheduler{
			Enabled:       util.GetEnvAsBool("KMS_SCHEDULER_ENABLED", true),
			SweepInterval: util.GetEnvAsDuration("KMS_SCHEDULER_SWEEP_INTERVAL", time.Hour),
		},
	}
}

// dbParams 解析 DB_EXTRA_PARAMS 中的 key=value 项，无法解析的项被忽略
func dbParams(sslMode string, extra []string) map[string]string {
	params := map[string]string{"sslmode": sslMode}
	for _, kv := range extra {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params
}

func parseLevel(s string, fallback zerolog.Level) zerolog.Level {
	l, err := zerolog.ParseLevel(s)
	if err != nil {
		return fallback
	}
	return l
}

// LoadFile 将 TOML 文件叠加到 cfg 上，文件中未出现的键保持原值
func LoadFile(path string, cfg *Server) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Wrapf(err, "failed to decode config file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return errors.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Load 读取环境变量，path 非空时叠加配置文件，不做校验
func Load(path string) (Server, error) {
	cfg := DefaultServiceConfigFromEnv()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Server{}, err
		}
	}
	return cfg, nil
}

// Validate 检查启动服务所需的配置
func (s Server) Validate() error {
	switch s.KMS.StorageBackend {
	case StorageMemory, StoragePostgreSQL:
	default:
		return errors.Errorf("unsupported storage backend %q", s.KMS.StorageBackend)
	}
	switch s.KMS.HSMType {
	case HSMNone, HSMSimulator:
	case HSMPKCS11:
		if s.KMS.HSMLibrary == "" {
			return errors.New("KMS_HSM_LIBRARY is required for the pkcs11 provider")
		}
	default:
		return errors.Errorf("unsupported hsm type %q", s.KMS.HSMType)
	}
	if s.KMS.PreferHSM && s.KMS.HSMType == HSMNone {
		return errors.New("KMS_PREFER_HSM requires an hsm provider")
	}
	if s.KMS.RootPassphrase == "" {
		return errors.New("KMS_ROOT_PASSPHRASE is required")
	}
	if len(s.KMS.RootSalt) < minRootSaltLength {
		return errors.Errorf("KMS_ROOT_SALT must be at least %d bytes", minRootSaltLength)
	}
	if len(s.Audit.HMACSecret) < minAuditSecretBytes {
		return errors.Errorf("KMS_AUDIT_HMAC_SECRET must be at least %d bytes", minAuditSecretBytes)
	}
	if s.KMS.RotationMaxRetries < 0 {
		return errors.New("KMS_ROTATION_MAX_RETRIES must not be negative")
	}
	if s.Scheduler.Enabled && s.Scheduler.SweepInterval <= 0 {
		return errors.New("KMS_SCHEDULER_SWEEP_INTERVAL must be positive")
	}
	return nil
}
