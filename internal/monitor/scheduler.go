package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-npa-governance/internal/logger"
)

// SweepFunc runs one sweep.
type SweepFunc func(ctx context.Context) SweepResult

// Scheduler invokes a sweep on a cron schedule. A tick that fires while the
// previous sweep is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	sweep  SweepFunc
	cfg    Config
	log    *logger.Logger
	cancel context.CancelFunc
	// wg tracks the startup sweep, which runs outside the cron runner.
	wg sync.WaitGroup
}

// NewScheduler validates the schedule and builds the cron runner.
func NewScheduler(cfg Config, sweep SweepFunc, log *logger.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, sweep: sweep, cfg: cfg, log: log}, nil
}

// Start registers the sweep and starts the cron runner. The sweep's context is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweep(runCtx)
		}()
	}

	s.log.Info().Str("schedule", s.cfg.Schedule).Msg("Escalation monitor started")
	return nil
}

// Stop stops scheduling and waits for running sweeps, including the startup
// sweep, to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("Escalation monitor stop timed out; sweep still running")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info().Msg("Escalation monitor stopped")
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
