package api

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kashguard/keyguard/internal/kms/key"
	"github.com/rs/zerolog/log"
)

// SweepReport 一次调度执行的结果
type SweepReport struct {
	Rotations *key.SweepResult `json:"rotations"`
	Expired   int              `json:"expired"`
}

// Sweep 执行一次策略轮换检查和过期处理，两步互不影响
func (s *Server) Sweep(ctx context.Context) (*SweepReport, error) {
	var result *multierror.Error
	report := &SweepReport{}

	res, err := s.KeyService.RunScheduledRotations(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}
	report.Rotations = res

	expired, err := s.KeyService.ExpireDueKeys(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}
	report.Expired = expired

	ev := log.Info()
	if res != nil {
		ev = ev.Int("evaluated", res.Evaluated).
			Int("rotated", res.Rotated).
			Int("notified", res.Notified).
			Int("deferred", res.Deferred).
			Int("manual", res.Manual).
			Int("failed", res.Failed)
	}
	ev.Int("expired", expired).Msg("Scheduled sweep finished")

	return report, result.ErrorOrNil()
}

// RunScheduler 按 Scheduler.SweepInterval 周期执行 Sweep，直到 ctx 结束
func (s *Server) RunScheduler(ctx context.Context) {
	interval := s.Config.Scheduler.SweepInterval
	log.Info().Dur("interval", interval).Msg("Starting rotation scheduler")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduled sweep reported failures")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Rotation scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
