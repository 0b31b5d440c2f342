package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/clock"
	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/notification"
	"deploy-restart-agent/internal/restart"
)

// ErrNotInitialized is returned by operations that need the coordinator
// before Initialize succeeded.
var ErrNotInitialized = errors.New("restart service not initialized")

type Options struct {
	Target string
	// Identity overrides the OS user as the acting user.
	Identity   string
	ScriptPath string
	Executor   restart.Executor

	Presenter notification.Presenter
	Deliver   notification.Deliver

	SettleDelay      time.Duration
	FailureThreshold int
	CommandTimeout   time.Duration
	Debounce         time.Duration

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// Facade wires one target's coordinator and deduplicator together and
// derives display values from the latest snapshot.
type Facade struct {
	opts  Options
	clock clock.Clock
	log   logrus.FieldLogger

	latest atomic.Pointer[restart.Status]

	mu      sync.Mutex
	user    string
	coord   *restart.Coordinator
	dedup   *notification.Deduplicator
	pending []func(*restart.Status)
}

func New(opts Options) *Facade {
	f := &Facade{opts: opts, clock: opts.Clock, log: opts.Logger}
	if f.clock == nil {
		f.clock = clock.Real()
	}
	if f.log == nil {
		f.log = logger.Discard()
	}
	f.log = f.log.WithField("target", opts.Target)
	return f
}

// Initialize builds the coordinator and deduplicator and attaches the
// subscribers registered so far. It reports whether the facade is ready and
// is a no-op once it has succeeded.
func (f *Facade) Initialize() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coord != nil {
		return true
	}
	if f.opts.Executor == nil || f.opts.ScriptPath == "" {
		f.log.Error("Restart service needs an executor and a script path")
		return false
	}

	identity, err := resolveIdentity(f.opts.Identity)
	if err != nil {
		f.log.Errorf("Could not resolve acting user: %v", err)
		return false
	}

	coord := restart.NewCoordinator(f.opts.Executor, restart.Options{
		ScriptPath:       f.opts.ScriptPath,
		User:             identity,
		SettleDelay:      f.opts.SettleDelay,
		FailureThreshold: f.opts.FailureThreshold,
		CommandTimeout:   f.opts.CommandTimeout,
		Clock:            f.clock,
		Logger:           f.log,
	})
	dedup := notification.NewDeduplicator(notification.DeduplicatorOptions{
		Viewer:    coord.User(),
		Presenter: f.opts.Presenter,
		Deliver:   f.opts.Deliver,
		Debounce:  f.opts.Debounce,
		Clock:     f.clock,
		Logger:    f.log,
	})

	dedup.OnStatus(func(s *restart.Status) { f.latest.Store(s) })
	for _, l := range f.pending {
		dedup.OnStatus(l)
	}
	f.pending = nil
	coord.Subscribe(dedup.Handle)

	f.user, f.coord, f.dedup = coord.User(), coord, dedup
	f.log.WithField("user", f.user).Info("Restart service initialized")
	return true
}

// Subscribe registers a state-sync listener. Listeners registered before
// Initialize are attached when it runs.
func (f *Facade) Subscribe(l func(*restart.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dedup == nil {
		f.pending = append(f.pending, l)
		return
	}
	f.dedup.OnStatus(l)
}

// Coordinator returns the wired coordinator, or nil before Initialize.
func (f *Facade) Coordinator() *restart.Coordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coord
}

// User returns the sanitized acting user, or "" before Initialize.
func (f *Facade) User() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

// LatestStatus returns the last snapshot the deduplicator forwarded.
func (f *Facade) LatestStatus() *restart.Status {
	return f.latest.Load()
}

// IsRestarting reports whether the latest snapshot has a running restart.
func (f *Facade) IsRestarting() bool {
	s := f.latest.Load()
	return s != nil && s.HasActiveRestart()
}

// FormattedElapsedTime renders how long the running restart has taken, as
// MM:SS or H:MM:SS. It uses only the server-supplied start time, so the
// value survives client restarts and request status flips.
func (f *Facade) FormattedElapsedTime() string {
	s := f.latest.Load()
	if s == nil || !s.HasActiveRestart() {
		return ""
	}
	elapsed := max(0, f.clock.Now().Unix()-s.ActiveRestart.StartedAt)
	return formatElapsed(elapsed)
}

func (f *Facade) StartPolling(interval time.Duration) error {
	coord := f.Coordinator()
	if coord == nil {
		return ErrNotInitialized
	}
	coord.StartPolling(interval)
	return nil
}

func (f *Facade) RequestRestart(ctx context.Context, project string) (*restart.Status, error) {
	coord := f.Coordinator()
	if coord == nil {
		return nil, ErrNotInitialized
	}
	return coord.RequestRestart(ctx, project)
}

func (f *Facade) RejectRestart(ctx context.Context) (*restart.Status, error) {
	coord := f.Coordinator()
	if coord == nil {
		return nil, ErrNotInitialized
	}
	return coord.RejectRestart(ctx)
}

// Close stops polling. It is safe to call before Initialize.
func (f *Facade) Close() {
	if coord := f.Coordinator(); coord != nil {
		coord.StopPolling()
	}
}

func formatElapsed(seconds int64) string {
	h, m, s := seconds/3600, (seconds%3600)/60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// resolveIdentity prefers the configured identity over the OS user.
func resolveIdentity(configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		name := u.Username
		// Windows reports DOMAIN\user.
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
		return name, nil
	}
	for _, env := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	return "", errors.New("no configured identity and no OS user")
}
