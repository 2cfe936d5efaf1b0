package cmd

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/kashguard/keyguard/internal/api"
	"github.com/kashguard/keyguard/internal/api/router"
	"github.com/kashguard/keyguard/internal/config"
	"github.com/kashguard/keyguard/internal/kms/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var (
	applyMigrations  bool
	disableScheduler bool
)

var serverCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inspection server and the rotation scheduler",
	Long: `Starts the read-only inspection HTTP server (health, metrics, key metadata,
audit verification) and, unless disabled, the periodic rotation and expiry sweep.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().BoolVarP(&applyMigrations, "migrate", "m", false, "apply database migrations before starting")
	serverCmd.Flags().BoolVar(&disableScheduler, "no-scheduler", false, "do not run the rotation scheduler")
}

func runServer(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := serverConfig

	var db *sql.DB
	if cfg.KMS.StorageBackend == config.StoragePostgreSQL {
		var err error
		db, err = api.NewDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		if applyMigrations {
			if err := storage.Migrate(db); err != nil {
				_ = db.Close()
				return err
			}
		}
	}

	s, err := api.InitNewServerWithDB(ctx, cfg, db)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return errors.Wrap(err, "failed to initialize server")
	}
	router.Init(s)

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()

	schedulerDone := make(chan struct{})
	if cfg.Scheduler.Enabled && !disableScheduler {
		go func() {
			defer close(schedulerDone)
			s.RunScheduler(schedulerCtx)
		}()
	} else {
		close(schedulerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Inspect.ListenAddress).Msg("Starting inspection server")
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("Inspection server failed")
	}

	// 先停调度循环，再关闭它使用的组件
	stopScheduler()
	<-schedulerDone

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return runErr
}
