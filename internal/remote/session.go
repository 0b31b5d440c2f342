package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/clock"
	"deploy-restart-agent/internal/logger"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateLost
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLost:
		return "lost"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	DefaultBaseBackoff       = 2 * time.Second
	DefaultKeepAliveInterval = 5 * time.Second
	DefaultReconnectSettle   = time.Second
	DefaultCommandPoll       = 50 * time.Millisecond
	DefaultProbeCommand      = "pwd"
	DefaultProbeTimeout      = 10 * time.Second
)

// Callbacks observe session health. Every field is optional. Callbacks run
// on whichever goroutine detected the event and must not block for long.
type Callbacks struct {
	// OnAttemptFailed is called after each failed attempt of
	// ConnectWithRetry, before sleeping. delay is zero after the last attempt.
	OnAttemptFailed func(attempt, maxAttempts int, delay time.Duration, err error)
	// OnConnectionFailed is called when retries are exhausted or a
	// reconnect fails.
	OnConnectionFailed func(message string)
	// OnConnectionLost is called once when the keep-alive probe fails.
	OnConnectionLost func()
	// OnReconnectStarted is called at the start of Reconnect.
	OnReconnectStarted func()
}

// Options configure a Session. Zero values take the package defaults.
type Options struct {
	BaseBackoff       time.Duration
	KeepAliveInterval time.Duration
	ReconnectSettle   time.Duration
	CommandPoll       time.Duration
	ProbeCommand      string

	// ProbeTimeout bounds a keep-alive probe, including the wait for a
	// command already running on the connection.
	ProbeTimeout time.Duration

	Clock     clock.Clock
	Logger    logrus.FieldLogger
	Callbacks Callbacks
}

// Session owns exactly one live connection to one remote host. All command
// execution, including keep-alive probes, is serialized through it.
type Session struct {
	transport Transport
	clock     clock.Clock
	log       logrus.FieldLogger
	callbacks Callbacks

	baseBackoff  time.Duration
	keepAlive    time.Duration
	settle       time.Duration
	commandPoll  time.Duration
	probeCommand string
	probeTimeout time.Duration

	// execSem serializes command execution on the shared connection.
	execSem chan struct{}

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	monitorCtx  context.Context
	stopMonitor context.CancelFunc
}

// NewSession creates a disconnected session over t.
func NewSession(t Transport, opts Options) *Session {
	s := &Session{
		transport:    t,
		clock:        opts.Clock,
		log:          opts.Logger,
		callbacks:    opts.Callbacks,
		baseBackoff:  opts.BaseBackoff,
		keepAlive:    opts.KeepAliveInterval,
		settle:       opts.ReconnectSettle,
		commandPoll:  opts.CommandPoll,
		probeCommand: opts.ProbeCommand,
		probeTimeout: opts.ProbeTimeout,
		execSem:      make(chan struct{}, 1),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if s.baseBackoff <= 0 {
		s.baseBackoff = DefaultBaseBackoff
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAliveInterval
	}
	if s.settle <= 0 {
		s.settle = DefaultReconnectSettle
	}
	if s.commandPoll <= 0 {
		s.commandPoll = DefaultCommandPoll
	}
	if s.probeCommand == "" {
		s.probeCommand = DefaultProbeCommand
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = DefaultProbeTimeout
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect performs the handshake and starts the keep-alive monitor. It is a
// no-op when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	case StateConnected:
		s.mu.Unlock()
		return nil
	}
	// A lost connection still holds its handle; drop it before dialing.
	stale := s.teardownLocked()
	s.state = StateConnecting
	gen := s.gen
	s.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	return s.establish(ctx, gen)
}

// ConnectWithRetry calls Connect up to maxAttempts times, sleeping
// 2^(attempt-1) * base between attempts. On exhaustion it reports through
// OnConnectionFailed and returns the last error.
func (s *Session) ConnectWithRetry(ctx context.Context, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.Connect(ctx)
		if err == nil {
			if attempt > 1 {
				s.log.WithField("attempt", attempt).Info("Connected after retry")
			}
			return nil
		}
		if errors.Is(err, ErrConnectInProgress) {
			return err
		}
		lastErr = err

		var delay time.Duration
		if attempt < maxAttempts {
			delay = s.baseBackoff * time.Duration(1<<(attempt-1))
		}
		s.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     maxAttempts,
			"delay":   delay,
		}).Warnf("Connect attempt failed: %v", err)
		if s.callbacks.OnAttemptFailed != nil {
			s.callbacks.OnAttemptFailed(attempt, maxAttempts, delay, err)
		}

		if attempt == maxAttempts {
			break
		}
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			s.reportFailure(fmt.Sprintf("connect cancelled after %d attempts: %v", attempt, err))
			return err
		}
	}

	s.reportFailure(fmt.Sprintf("could not connect after %d attempts: %v", maxAttempts, lastErr))
	return lastErr
}

// Disconnect stops the keep-alive monitor and closes the connection. It is
// safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.teardownLocked()
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debugf("Closing connection: %v", err)
		}
	}
}

// Reconnect tears the connection down, waits the settle delay and dials a
// fresh one. Failures are reported through OnConnectionFailed.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateReconnecting {
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.log.Info("Reconnecting")
	if s.callbacks.OnReconnectStarted != nil {
		s.callbacks.OnReconnectStarted()
	}

	s.mu.Lock()
	if s.state != StateReconnecting {
		s.mu.Unlock()
		return fmt.Errorf("session closed during reconnect: %w", ErrNotConnected)
	}
	conn := s.teardownLocked()
	gen := s.gen
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	if err := clock.Sleep(ctx, s.clock, s.settle); err != nil {
		s.abandon(gen)
		s.reportFailure(fmt.Sprintf("reconnect cancelled: %v", err))
		return err
	}

	if err := s.establish(ctx, gen); err != nil {
		s.reportFailure(fmt.Sprintf("reconnect failed: %v", err))
		return err
	}
	return nil
}

// IsConnected runs a live probe command rather than trusting cached state;
// a dropped TCP connection can leave handles that still look open. A
// command that holds the connection for longer than the probe timeout
// counts as a failed probe.
func (s *Session) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
	defer cancel()

	conn, release, err := s.acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			s.log.Debugf("Keep-alive probe could not run: %v", err)
		}
		return false
	}
	defer release()

	out, err := runToCompletion(ctx, s.clock, s.commandPoll, conn, s.probeCommand)
	if err != nil {
		s.log.Debugf("Keep-alive probe failed: %v", err)
		return false
	}
	return out.ExitCode == 0
}

// establish dials and, unless the session was disconnected meanwhile,
// installs the new connection.
func (s *Session) establish(ctx context.Context, gen uint64) error {
	conn, err := s.transport.Dial(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("session closed during connect: %w", ErrNotConnected)
	}
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	s.conn = conn
	s.state = StateConnected
	monitorCtx, cancel := context.WithCancel(context.Background())
	s.monitorCtx, s.stopMonitor = monitorCtx, cancel
	s.mu.Unlock()

	s.log.Info("Remote session connected")
	go s.monitor(monitorCtx, conn)
	return nil
}

// abandon returns a reconnecting session to Disconnected if nothing else
// changed it meanwhile.
func (s *Session) abandon(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.state = StateDisconnected
	}
}

// teardownLocked invalidates in-flight connects, stops the monitor and
// detaches the connection so the caller can close it outside the lock.
func (s *Session) teardownLocked() Conn {
	s.gen++
	if s.stopMonitor != nil {
		s.stopMonitor()
		s.monitorCtx, s.stopMonitor = nil, nil
	}
	conn := s.conn
	s.conn = nil
	return conn
}

// monitor probes the connection on a fixed interval. On the first failed
// probe it reports the loss once and exits; recovery is up to the caller.
func (s *Session) monitor(ctx context.Context, conn Conn) {
	for {
		if clock.Sleep(ctx, s.clock, s.keepAlive) != nil || ctx.Err() != nil {
			return
		}
		if s.IsConnected() {
			continue
		}

		s.mu.Lock()
		// A connect or reconnect in flight owns the session now.
		if ctx.Err() != nil || s.state != StateConnected || s.conn != conn {
			s.mu.Unlock()
			return
		}
		s.state = StateLost
		s.stopMonitor()
		s.monitorCtx, s.stopMonitor = nil, nil
		s.mu.Unlock()

		s.log.Warn("Remote connection lost")
		if s.callbacks.OnConnectionLost != nil {
			s.callbacks.OnConnectionLost()
		}
		return
	}
}

// acquire takes the execution lock, giving up when ctx ends, and returns
// the live connection.
func (s *Session) acquire(ctx context.Context) (Conn, func(), error) {
	select {
	case s.execSem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("waiting for the connection: %w", ctx.Err())
	}
	release := func() { <-s.execSem }

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if conn == nil || state != StateConnected {
		release()
		return nil, nil, ErrNotConnected
	}
	return conn, release, nil
}

func (s *Session) reportFailure(message string) {
	s.log.Error(message)
	if s.callbacks.OnConnectionFailed != nil {
		s.callbacks.OnConnectionFailed(message)
	}
}
