package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Specs are the cron schedules of the lifecycle jobs.
type Specs struct {
	Transitions string `json:"transitions" yaml:"transitions" mapstructure:"transitions"`
	Reset       string `json:"reset" yaml:"reset" mapstructure:"reset"`
	Retry       string `json:"retry" yaml:"retry" mapstructure:"retry"`
}

// DefaultSpecs returns the default schedules.
func DefaultSpecs() Specs {
	return Specs{
		Transitions: "@every 1m",
		Reset:       "@every 1m",
		Retry:       "@every 30s",
	}
}

// Scheduler runs Jobs on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	jobs    *Jobs
	logger  *slog.Logger
	specs   Specs
	timeout time.Duration
}

// NewScheduler creates a Scheduler. Empty specs fall back to the defaults.
func NewScheduler(jobs *Jobs, specs Specs, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSpecs()
	if specs.Transitions == "" {
		specs.Transitions = def.Transitions
	}
	if specs.Reset == "" {
		specs.Reset = def.Reset
	}
	if specs.Retry == "" {
		specs.Retry = def.Retry
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		jobs:    jobs,
		logger:  logger,
		specs:   specs,
		timeout: 5 * time.Minute,
	}
}

// Start registers the jobs and starts the cron scheduler. An invalid spec
// is returned before anything runs.
func (s *Scheduler) Start() error {
	entries := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"transitions", s.specs.Transitions, func(ctx context.Context) error {
			_, err := s.jobs.RunTransitions(ctx)
			return err
		}},
		{"reset", s.specs.Reset, func(ctx context.Context) error {
			_, err := s.jobs.ResetDue(ctx)
			return err
		}},
		{"retry", s.specs.Retry, func(ctx context.Context) error {
			_, err := s.jobs.RetryMarkers(ctx)
			return err
		}},
	}

	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.spec, s.wrap(e.name, e.run)); err != nil {
			return err
		}
		s.logger.Info("scheduled lifecycle job", "job", e.name, "schedule", e.spec)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("lifecycle jobs still running at shutdown")
	}
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.Error("lifecycle job failed", "job", name, "error", err)
		}
	}
}
