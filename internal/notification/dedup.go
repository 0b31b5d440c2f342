package notification

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/clock"
	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/restart"
)

const DefaultDebounce = time.Second

type DeduplicatorOptions struct {
	// Viewer is the acting user; messages are worded relative to them.
	Viewer    string
	Presenter Presenter
	// Deliver marshals presenter and status-sink calls. Nil runs them inline.
	Deliver  Deliver
	Debounce time.Duration
	Clock    clock.Clock
	Logger   logrus.FieldLogger
}

// Deduplicator turns the stream of changed snapshots into a minimal
// sequence of notifications for one viewer. Handle is safe for concurrent
// use; decisions are made in arrival order.
type Deduplicator struct {
	viewer    string
	presenter Presenter
	deliver   Deliver
	debounce  time.Duration
	clock     clock.Clock
	log       logrus.FieldLogger

	mu     sync.Mutex
	sinks  []func(*restart.Status)
	latest atomic.Pointer[restart.Status]

	// handleMu serializes Handle and guards the decision state below.
	handleMu      sync.Mutex
	lastKey       string
	lastKeyAt     time.Time
	pendingKey    string
	prevState     restart.State
	prevRequester string
	execRequester string
	execAt        int64
	executingSeen bool
	visible       bool
}

func NewDeduplicator(opts DeduplicatorOptions) *Deduplicator {
	d := &Deduplicator{
		viewer:    opts.Viewer,
		presenter: opts.Presenter,
		deliver:   opts.Deliver,
		debounce:  opts.Debounce,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
	if d.deliver == nil {
		d.deliver = func(fn func()) { fn() }
	}
	if d.debounce <= 0 {
		d.debounce = DefaultDebounce
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.log == nil {
		d.log = logger.Discard()
	}
	return d
}

// OnStatus registers a state-sync sink that receives every snapshot that
// survives the debounce, whether or not it produces a notification.
func (d *Deduplicator) OnStatus(sink func(*restart.Status)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Latest returns the last snapshot forwarded to the sinks.
func (d *Deduplicator) Latest() *restart.Status {
	return d.latest.Load()
}

// Handle processes one snapshot. It has the restart.Listener signature.
func (d *Deduplicator) Handle(s *restart.Status) {
	if s == nil {
		return
	}
	now := d.clock.Now()

	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	key := fmt.Sprintf("%s_%d_%s", s.State, s.LastUpdate, s.Requester)
	if key == d.lastKey && now.Sub(d.lastKeyAt) < d.debounce {
		return
	}
	d.lastKey, d.lastKeyAt = key, now

	d.latest.Store(s)
	d.mu.Lock()
	sinks := slices.Clone(d.sinks)
	d.mu.Unlock()
	for _, sink := range sinks {
		sink := sink
		d.deliver(func() { sink(s) })
	}

	override := s.State == restart.StatePending &&
		(d.prevState == restart.StatePending || d.prevState == restart.StateExecuting)

	switch s.State {
	case restart.StatePending:
		d.onPending(s, override, now)
	case restart.StateRejected:
		d.onRejected(s, now)
	case restart.StateExecuting:
		d.onExecuting(s, now)
	case restart.StateCompleted:
		d.pendingKey = ""
		n := newNotification(KindInfo, s, now)
		n.Title = "Server restart completed"
		n.Message = fmt.Sprintf("The restart of %s has finished.", project(s))
		d.showLocked(n)
	case restart.StateIdle:
		d.pendingKey = ""
		d.dismissLocked()
	default:
		d.log.WithField("status", s.State).Info("No notification for restart status")
	}

	d.prevState, d.prevRequester = s.State, s.Requester
}

func (d *Deduplicator) onPending(s *restart.Status, override bool, now time.Time) {
	pendingKey := fmt.Sprintf("pending_%s_%d", s.Requester, s.RequestedAt)
	if pendingKey == d.pendingKey {
		return
	}
	d.pendingKey = pendingKey

	var n Notification
	if s.Requester == d.viewer {
		n = newNotification(KindConfirmation, s, now)
		n.Title = "Restart requested"
		n.Message = fmt.Sprintf("Your restart of %s runs in %ds unless someone rejects it.", project(s), s.TimeRemaining(now))
	} else {
		n = newNotification(KindActionable, s, now)
		n.Title = "Restart requested"
		if override {
			n.Title = "Restart request replaced"
			n.Message = fmt.Sprintf("%s replaced %s's open request with a restart of %s.", s.Requester, d.prevRequester, project(s))
		} else {
			n.Message = fmt.Sprintf("%s wants to restart the server for %s.", s.Requester, project(s))
		}
	}
	n.Override = override
	n.Countdown = s.TimeRemaining(now)
	d.showLocked(n)
}

func (d *Deduplicator) onRejected(s *restart.Status, now time.Time) {
	last, ok := s.LastRejection()
	if !ok || last.User == d.viewer {
		return
	}

	n := newNotification(KindInfo, s, now)
	n.Title = "Restart rejected"
	if s.Requester == d.viewer {
		n.Message = fmt.Sprintf("Your restart request was rejected by %s.", last.User)
	} else {
		n.Message = fmt.Sprintf("%s rejected %s's restart request.", last.User, s.Requester)
	}
	if s.IsRejectedButStillRestarting() {
		n.Message += " The restart already running continues."
	}
	d.showLocked(n)
}

func (d *Deduplicator) onExecuting(s *restart.Status, now time.Time) {
	if d.executingSeen && d.execRequester == s.Requester && d.execAt == s.RequestedAt {
		return
	}
	d.executingSeen, d.execRequester, d.execAt = true, s.Requester, s.RequestedAt

	n := newNotification(KindInfo, s, now)
	n.Title = "Server restarting"
	if s.Requester == d.viewer {
		n.Message = fmt.Sprintf("Your restart of %s is running.", project(s))
	} else {
		n.Message = fmt.Sprintf("%s is restarting the server for %s.", s.Requester, project(s))
	}
	d.showLocked(n)
}

// showLocked replaces whatever is visible. Dismiss and show are delivered
// as one unit so the consumer never sees two notifications at once.
func (d *Deduplicator) showLocked(n Notification) {
	if d.presenter == nil {
		return
	}
	dismissFirst := d.visible
	d.visible = true
	d.log.WithFields(logrus.Fields{"status": n.Status, "kind": n.Kind}).Debug("Showing notification")
	d.deliver(func() {
		if dismissFirst {
			d.presenter.Dismiss()
		}
		d.presenter.Show(n)
	})
}

func (d *Deduplicator) dismissLocked() {
	if d.presenter == nil || !d.visible {
		return
	}
	d.visible = false
	d.deliver(d.presenter.Dismiss)
}

func project(s *restart.Status) string {
	if s.Project == "" {
		return "an unnamed project"
	}
	return s.Project
}
