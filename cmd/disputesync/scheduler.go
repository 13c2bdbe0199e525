package main

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/disputesync/internal/config"
	"github.com/agentworkforce/disputesync/internal/log"
	"github.com/agentworkforce/disputesync/internal/orchestrator"
)

type periodicEngine interface {
	PollAll(ctx context.Context) []orchestrator.PollResult
	Sweep(ctx context.Context) (orchestrator.SweepResult, error)
}

// scheduler runs the poll pass and the expiry sweep on their own
// intervals. Poll passes are jittered so replicas do not hit providers in
// lockstep.
type scheduler struct {
	engine        periodicEngine
	pollInterval  time.Duration
	pollJitter    time.Duration
	sweepInterval time.Duration
	jitter        func(max time.Duration) time.Duration
	logger        zerolog.Logger
}

func newScheduler(engine periodicEngine, cfg config.EngineConfig) *scheduler {
	return &scheduler{
		engine:        engine,
		pollInterval:  cfg.PollInterval,
		pollJitter:    cfg.PollJitter,
		sweepInterval: cfg.SweepInterval,
		jitter:        randomJitter,
		logger:        log.WithComponent("scheduler"),
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func (s *scheduler) Run(ctx context.Context) {
	var pollTimer, sweepTimer <-chan time.Time
	if s.pollInterval > 0 {
		pollTimer = time.After(s.nextPoll())
	}
	if s.sweepInterval > 0 {
		sweepTimer = time.After(s.sweepInterval)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTimer:
			results := s.engine.PollAll(ctx)
			accepted := 0
			for _, r := range results {
				accepted += r.Accepted
			}
			s.logger.Debug().
				Str(log.FieldEvent, "poll.pass").
				Int("connections", len(results)).
				Int("accepted", accepted).
				Msg("poll pass finished")
			pollTimer = time.After(s.nextPoll())
		case <-sweepTimer:
			res, err := s.engine.Sweep(ctx)
			if err != nil {
				s.logger.Error().Err(err).Str(log.FieldEvent, "sweep.failed").Msg("expiry sweep failed")
			} else if res.Expired > 0 || res.Progressed > 0 || res.RequeuedEvents > 0 {
				s.logger.Info().
					Str(log.FieldEvent, "sweep.pass").
					Int("expired", res.Expired).
					Int("progressed", res.Progressed).
					Int("requeued_events", res.RequeuedEvents).
					Msg("expiry sweep finished")
			}
			sweepTimer = time.After(s.sweepInterval)
		}
	}
}

func (s *scheduler) nextPoll() time.Duration {
	return s.pollInterval + s.jitter(s.pollJitter)
}
