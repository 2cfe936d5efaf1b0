// Package cmd keyguard 命令行入口
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/google/uuid"
	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/config"
	"github.com/kashguard/keyguard/internal/kms/audit"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	serverConfig config.Server
)

var rootCmd = &cobra.Command{
	Use:   "keyguard",
	Short: "Key management core: envelope encryption, key rotation and a tamper-evident audit trail",
	Long: `keyguard manages a hierarchy of AES-256-GCM keys with policy-driven rotation,
optional HSM-backed key material and an HMAC hash-chained audit log.

Configuration is read from the environment and can be overlaid with a TOML file.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute 运行根命令，出错时以状态码 1 退出
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML file overlaid on the environment configuration")
}

// skipKMSValidation 标记只访问数据库、不需要密钥配置的命令
const skipKMSValidation = "skip-kms-validation"

func loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if _, skip := cmd.Annotations[skipKMSValidation]; !skip {
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
	}
	serverConfig = cfg
	configureLogger(cfg.Logger)
	return nil
}

func configureLogger(cfg config.Logger) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(cfg.Level)
	if cfg.PrettyPrintConsole {
		log.Logger = log.Output(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.TimeFormat = "15:04:05"
		}))
	}
}

// cliActor 以当前系统用户和主机名标记命令行发起的审计事件
func cliActor() audit.Actor {
	actor := audit.Actor{UserID: "cli", SessionID: uuid.NewString()}
	if u, err := user.Current(); err == nil {
		actor.UserID = u.Username
	}
	if host, err := os.Hostname(); err == nil {
		actor.IPAddress = host
	}
	return actor
}

// withServer 初始化组件后执行 fn，返回前关闭
func withServer(cmd *cobra.Command, fn func(ctx context.Context, s *api.Server) error) (err error) {
	ctx := audit.WithActor(cmd.Context(), cliActor())

	s, err := api.InitNewServer(ctx, serverConfig)
	if err != nil {
		return errors.Wrap(err, "failed to initialize server")
	}
	defer func() {
		if shutdownErr := s.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	return fn(ctx, s)
}
