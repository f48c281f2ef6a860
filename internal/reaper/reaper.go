// Package reaper runs reclamation passes on a cron schedule so resources left
// by crashed engines do not pile up between manual `destroy` runs.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neoclaw-ai/aisandbox/internal/logging"
	"github.com/robfig/cron/v3"
)

// Pass is one reclamation run.
type Pass func(ctx context.Context) error

// Service runs a Pass on a schedule. Overlapping runs are skipped.
type Service struct {
	schedule string
	pass     Pass
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
}

// New validates schedule, a standard cron expression or an @every
// descriptor, and returns a stopped service.
func New(schedule string, pass Pass) (*Service, error) {
	if pass == nil {
		return nil, errors.New("reaper pass is required")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", schedule, err)
	}
	logger := cronLogger{}
	return &Service{
		schedule: schedule,
		pass:     pass,
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

// Start registers the pass and starts the cron loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("reaper already started")
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { _ = s.RunNow(ctx) }); err != nil {
		return fmt.Errorf("register reaper pass: %w", err)
	}
	s.cron.Start()
	s.started = true
	logging.Logger().Info("reaper started", "schedule", s.schedule)
	return nil
}

// Stop stops the cron loop and waits for an in-flight pass or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	doneCtx := s.cron.Stop()
	s.started = false
	s.mu.Unlock()

	select {
	case <-doneCtx.Done():
		logging.Logger().Info("reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs one pass immediately.
func (s *Service) RunNow(ctx context.Context) error {
	start := time.Now()
	err := s.pass(ctx)
	if err != nil {
		logging.Logger().Warn("reaper pass failed", "err", err, "duration", time.Since(start))
		return err
	}
	logging.Logger().Info("reaper pass complete", "duration", time.Since(start))
	return nil
}

// cronLogger routes cron's own messages through the engine logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Logger().Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{slog.Any("err", err)}, keysAndValues...)
	logging.Logger().Warn("cron: "+msg, args...)
}
