// Package sweep runs the background maintenance jobs that keep long-lived
// server state bounded: stale open-port rows, expired refresh tokens, and
// the orchestrator's completed-execution retention set. It wraps gocron with
// one gocron job per concern, each independently scheduled and
// independently failing.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fleetd-io/fleetd/server/internal/orchestrator"
	"github.com/fleetd-io/fleetd/server/internal/repositories"
)

// stalePortAge is how long a port can go unobserved in a scan before it is
// considered closed and its row is deleted.
const stalePortAge = 120 * time.Second

// Config tunes the sweep intervals. Zero values fall back to defaults.
type Config struct {
	PortSweepInterval      time.Duration
	TokenSweepInterval     time.Duration
	CompletedSweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PortSweepInterval <= 0 {
		c.PortSweepInterval = time.Minute
	}
	if c.TokenSweepInterval <= 0 {
		c.TokenSweepInterval = time.Hour
	}
	if c.CompletedSweepInterval <= 0 {
		c.CompletedSweepInterval = 30 * time.Second
	}
	return c
}

// Sweeper owns the background maintenance gocron scheduler.
type Sweeper struct {
	cron gocron.Scheduler

	ports         repositories.PortRepository
	machines      repositories.MachineRepository
	refreshTokens repositories.RefreshTokenRepository
	orch          *orchestrator.Orchestrator

	cfg    Config
	logger *zap.Logger
}

// New creates a Sweeper. Call Start to register jobs and begin running them.
func New(
	ports repositories.PortRepository,
	machines repositories.MachineRepository,
	refreshTokens repositories.RefreshTokenRepository,
	orch *orchestrator.Orchestrator,
	cfg Config,
	logger *zap.Logger,
) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweep: create gocron scheduler: %w", err)
	}
	return &Sweeper{
		cron:          s,
		ports:         ports,
		machines:      machines,
		refreshTokens: refreshTokens,
		orch:          orch,
		cfg:           cfg.withDefaults(),
		logger:        logger.Named("sweep"),
	}, nil
}

// Start registers all maintenance jobs and starts the underlying scheduler.
// Safe to call once, at server startup.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.PortSweepInterval),
		gocron.NewTask(func() { s.sweepStalePorts(ctx) }),
		gocron.WithTags("stale-ports"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("sweep: register stale-ports job: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.TokenSweepInterval),
		gocron.NewTask(func() { s.sweepExpiredTokens(ctx) }),
		gocron.WithTags("expired-tokens"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("sweep: register expired-tokens job: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.CompletedSweepInterval),
		gocron.NewTask(func() { s.orch.PruneCompleted() }),
		gocron.WithTags("completed-executions"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("sweep: register completed-executions job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("sweep started",
		zap.Duration("port_interval", s.cfg.PortSweepInterval),
		zap.Duration("token_interval", s.cfg.TokenSweepInterval),
		zap.Duration("completed_interval", s.cfg.CompletedSweepInterval),
	)
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight sweep
// to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweep: shutdown: %w", err)
	}
	s.logger.Info("sweep stopped")
	return nil
}

// sweepStalePorts removes port rows that no scan has refreshed within
// stalePortAge. Ports are grouped by machine because
// PortRepository.DeleteStale scopes its cutoff check to one machine at a
// time; every machine that has port rows is checked, whether it is online
// or not.
func (s *Sweeper) sweepStalePorts(ctx context.Context) {
	all, err := s.ports.All(ctx)
	if err != nil {
		s.logger.Warn("sweep: list ports failed", zap.Error(err))
		return
	}

	seen := make(map[string]struct{})
	cutoff := time.Now().Add(-stalePortAge)
	removed := 0
	for _, p := range all {
		key := p.MachineID.String()
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		if err := s.ports.DeleteStale(ctx, p.MachineID, cutoff); err != nil {
			s.logger.Warn("sweep: delete stale ports failed",
				zap.String("machine_id", key), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Debug("sweep: stale ports checked", zap.Int("machines", removed))
	}
}

// sweepExpiredTokens deletes refresh tokens past their expiry so the table
// does not grow without bound across the lifetime of a long-running server.
func (s *Sweeper) sweepExpiredTokens(ctx context.Context) {
	if err := s.refreshTokens.DeleteExpired(ctx); err != nil {
		s.logger.Warn("sweep: delete expired refresh tokens failed", zap.Error(err))
	}
}
