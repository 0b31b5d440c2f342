package restart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/clock"
	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/parse"
	"deploy-restart-agent/internal/remote"
)

const (
	DefaultPollInterval     = 3 * time.Second
	DefaultSettleDelay      = 200 * time.Millisecond
	DefaultFailureThreshold = 5
	DefaultCommandTimeout   = 30 * time.Second
)

// ErrCircuitOpen is reported by Err once polling stopped itself after too
// many consecutive failures.
var ErrCircuitOpen = errors.New("restart polling stopped: circuit breaker open")

// Executor runs one remote command to completion.
type Executor interface {
	Execute(ctx context.Context, command string) (remote.Output, error)
}

// Listener receives every snapshot that changed from the last known one.
// Listeners run on the polling goroutine.
type Listener func(*Status)

type Options struct {
	ScriptPath       string
	User             string
	SettleDelay      time.Duration
	FailureThreshold int
	// CommandTimeout bounds each script invocation, polls included.
	CommandTimeout time.Duration

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// Coordinator mediates the get, request and reject operations against the
// remote restart script and keeps the client's view of the shared state.
type Coordinator struct {
	exec      Executor
	script    string
	user      string
	settle    time.Duration
	threshold int
	timeout   time.Duration
	clock     clock.Clock
	log       logrus.FieldLogger

	lastKnown atomic.Pointer[Status]

	mu        sync.Mutex
	listeners []Listener
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func NewCoordinator(exec Executor, opts Options) *Coordinator {
	c := &Coordinator{
		exec:      exec,
		script:    opts.ScriptPath,
		user:      parse.SanitizeDisplay(opts.User),
		settle:    opts.SettleDelay,
		threshold: opts.FailureThreshold,
		timeout:   opts.CommandTimeout,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
	if c.settle <= 0 {
		c.settle = DefaultSettleDelay
	}
	if c.threshold <= 0 {
		c.threshold = DefaultFailureThreshold
	}
	if c.timeout <= 0 {
		c.timeout = DefaultCommandTimeout
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.log == nil {
		c.log = logger.Discard()
	}
	closed := make(chan struct{})
	close(closed)
	c.done = closed
	return c
}

// User is the sanitized identity the coordinator acts as.
func (c *Coordinator) User() string { return c.user }

// Subscribe registers a change listener.
func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// LastKnown returns the most recent snapshot seen by the polling loop, or nil.
func (c *Coordinator) LastKnown() *Status {
	return c.lastKnown.Load()
}

// GetStatus fetches the current snapshot. Execution failures are returned as
// errors; an empty, ERROR: or unparseable response yields a nil status.
func (c *Coordinator) GetStatus(ctx context.Context) (*Status, error) {
	out, err := c.run(ctx, opGet)
	if err != nil {
		return nil, err
	}

	kind, payload := classify(out.Stdout)
	switch kind {
	case responseJSON:
		status, err := parseStatus(payload)
		if err != nil {
			c.log.Warnf("Discarding status response: %v", err)
			return nil, nil
		}
		return status, nil
	case responseError:
		c.log.WithField("op", opGet).Warnf("Restart script error: %s", payload)
	case responseEmpty:
	default:
		c.log.WithField("op", opGet).Warnf("Unexpected status response: %q", payload)
	}
	return nil, nil
}

// RequestRestart asks for a restart of project. An ERROR: response is
// returned as a *RemoteError.
func (c *Coordinator) RequestRestart(ctx context.Context, project string) (*Status, error) {
	safe := parse.SanitizeDisplay(project)
	out, err := c.run(ctx, opRequest, safe)
	if err != nil {
		return nil, err
	}

	kind, payload := classify(out.Stdout)
	switch kind {
	case responseError:
		return nil, &RemoteError{Op: opRequest, Message: payload}
	case responseJSON:
		status, perr := parseStatus(payload)
		if perr == nil {
			return status, nil
		}
		c.log.Warnf("Request response unparseable, re-fetching: %v", perr)
		return c.GetStatus(ctx)
	case responseOK:
		c.log.WithField("project", safe).Infof("Restart request acknowledged: %s", payload)
	}
	return c.settleAndGet(ctx)
}

// RejectRestart rejects the current request. An ERROR: response is
// returned as a *RemoteError.
func (c *Coordinator) RejectRestart(ctx context.Context) (*Status, error) {
	out, err := c.run(ctx, opReject)
	if err != nil {
		return nil, err
	}
	if kind, payload := classify(out.Stdout); kind == responseError {
		return nil, &RemoteError{Op: opReject, Message: payload}
	}
	return c.settleAndGet(ctx)
}

// StartPolling starts the polling loop. It is a no-op while a loop is
// running. After the circuit breaker trips, calling it again starts a fresh
// loop with the failure count reset.
func (c *Coordinator) StartPolling(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done, c.err = cancel, done, nil

	c.log.WithField("interval", interval).Info("Restart polling started")
	go c.poll(ctx, interval, done)
}

// StopPolling signals the loop to exit and interrupts its sleep. A command
// already in flight completes; its result is dropped.
func (c *Coordinator) StopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Polling reports whether a loop is running.
func (c *Coordinator) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Done is closed when the current loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the last loop stopped itself, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) poll(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	// Commands are never aborted mid-flight; cancellation is checked between
	// iterations.
	execCtx := context.WithoutCancel(ctx)
	failures := 0
	for {
		status, err := c.GetStatus(execCtx)
		if ctx.Err() != nil {
			c.log.Info("Restart polling stopped")
			return
		}

		if err != nil {
			failures++
			c.log.WithField("failures", failures).Warnf("Status poll failed: %v", err)
			if failures >= c.threshold {
				c.trip(ctx, fmt.Errorf("%w after %d consecutive failures: %v", ErrCircuitOpen, failures, err))
				return
			}
		} else {
			failures = 0
			if status != nil && status.HasChangedFrom(c.lastKnown.Load()) {
				c.publish(status)
				c.lastKnown.Store(status)
			}
		}

		if clock.Sleep(ctx, c.clock, interval) != nil {
			c.log.Info("Restart polling stopped")
			return
		}
	}
}

// trip records the terminal cause and marks the loop stopped, unless
// StopPolling raced it.
func (c *Coordinator) trip(ctx context.Context, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.cancel()
	c.cancel = nil
	c.err = cause
	c.log.Error(cause.Error())
}

func (c *Coordinator) publish(status *Status) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"status":      status.State,
		"last_update": status.LastUpdate,
	}).Debug("Restart status changed")
	for _, l := range listeners {
		l(status)
	}
}

func (c *Coordinator) settleAndGet(ctx context.Context) (*Status, error) {
	if err := clock.Sleep(ctx, c.clock, c.settle); err != nil {
		return nil, err
	}
	return c.GetStatus(ctx)
}

func (c *Coordinator) run(ctx context.Context, op string, args ...string) (remote.Output, error) {
	cmd := command(c.script, c.user, op, args...)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.exec.Execute(ctx, cmd)
	if err != nil {
		return remote.Output{}, fmt.Errorf("restart %s: %w", op, err)
	}
	return out, nil
}
