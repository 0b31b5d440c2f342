package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/clock"
	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/restart"
)

// DefaultRecoveryDelay spaces reconnect attempts after a failed recovery.
const DefaultRecoveryDelay = 10 * time.Second

// Reconnector is the part of a remote session the supervisor drives.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Supervisor restarts polling after the connection drops or the
// coordinator's circuit breaker opens. Both cases reconnect first.
type Supervisor struct {
	facade   *Facade
	session  Reconnector
	interval time.Duration
	delay    time.Duration
	clock    clock.Clock
	log      logrus.FieldLogger

	lost chan struct{}
}

type SupervisorOptions struct {
	PollInterval  time.Duration
	RecoveryDelay time.Duration
	Clock         clock.Clock
	Logger        logrus.FieldLogger
}

func NewSupervisor(f *Facade, session Reconnector, opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		facade:   f,
		session:  session,
		interval: opts.PollInterval,
		delay:    opts.RecoveryDelay,
		clock:    opts.Clock,
		log:      opts.Logger,
		lost:     make(chan struct{}, 1),
	}
	if s.interval <= 0 {
		s.interval = restart.DefaultPollInterval
	}
	if s.delay <= 0 {
		s.delay = DefaultRecoveryDelay
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s
}

// ConnectionLost schedules a recovery. It never blocks and is meant to be
// wired to the session's lost-connection callback.
func (s *Supervisor) ConnectionLost() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// Run starts polling and blocks until ctx is done or polling is stopped
// by someone else.
func (s *Supervisor) Run(ctx context.Context) error {
	coord := s.facade.Coordinator()
	if coord == nil {
		return ErrNotInitialized
	}
	coord.StartPolling(s.interval)
	for {
		done := coord.Done()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.lost:
			s.log.Warn("Connection lost; pausing polling until reconnected")
			s.facade.Close()
			<-coord.Done()
		case <-done:
			err := coord.Err()
			if !errors.Is(err, restart.ErrCircuitOpen) {
				s.log.Info("Polling stopped")
				return nil
			}
			s.log.Warnf("Polling halted: %v", err)
		}
		if err := s.recover(ctx); err != nil {
			return err
		}
	}
}

func (s *Supervisor) recover(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := s.session.Reconnect(ctx)
		if err == nil {
			// A loss reported by the connection just replaced is stale.
			select {
			case <-s.lost:
			default:
			}
			s.log.Infof("Reconnected after %d attempt(s); resuming polling", attempt)
			return s.facade.StartPolling(s.interval)
		}
		s.log.Warnf("Reconnect attempt %d failed: %v", attempt, err)
		if err := clock.Sleep(ctx, s.clock, s.delay); err != nil {
			return err
		}
	}
}
