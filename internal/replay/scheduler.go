// Package replay re-dispatches stored webhook events that failed processing,
// on a cron schedule.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Replayer re-dispatches up to limit failed events and reports how many succeeded.
// *billing.Dispatcher implements it.
type Replayer interface {
	ReplayFailed(ctx context.Context, limit int) (int, error)
}

// Scheduler manages the replay cron job.
type Scheduler struct {
	cron      *cron.Cron
	replayer  Replayer
	batchSize int
	timeout   time.Duration
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a Scheduler.
type Config struct {
	// Schedule is a standard cron spec or descriptor such as "@every 5m".
	Schedule string

	// BatchSize bounds the events replayed per run (default: 100).
	BatchSize int

	// Timeout bounds one run (default: 2m).
	Timeout time.Duration
}

// NewScheduler registers the replay job. Overlapping runs are skipped and a
// panicking run is recovered.
func NewScheduler(replayer Replayer, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if replayer == nil {
		return nil, fmt.Errorf("replayer is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	logger = logger.With().Str("component", "replay").Logger()
	cronLogger := cron.PrintfLogger(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		replayer:  replayer,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.Run); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule replay job %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Run replays one batch. It is exported so the job can be triggered outside the schedule.
func (s *Scheduler) Run() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	replayed, err := s.replayer.ReplayFailed(ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Int("replayed", replayed).Msg("replay run failed")
		return
	}
	if replayed > 0 {
		s.logger.Info().Int("replayed", replayed).Dur("duration", time.Since(start)).Msg("replayed failed webhook events")
	}
}

// Start starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and cancels a running job. The returned context is
// done once the running job has returned.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancel()
	return done
}
