package notification

import (
	"sync"

	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/restart"
)

const (
	EventShow    = "show"
	EventDismiss = "dismiss"
	EventStatus  = "status"

	subscriberBuffer = 16
)

// Event is one message on the notification stream.
type Event struct {
	Type         string          `json:"type"`
	Notification *Notification   `json:"notification,omitempty"`
	Status       *restart.Status `json:"status,omitempty"`
}

// Hub is a Presenter and status sink that broadcasts to stream
// subscribers. Slow subscribers lose events rather than block the sender.
type Hub struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	subs    map[chan Event]struct{}
	current *Notification
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{log: log, subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that releases it.
// A notification visible at subscribe time is replayed first.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	if h.current != nil {
		n := *h.current
		ch <- Event{Type: EventShow, Notification: &n}
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Show(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = &n
	h.broadcastLocked(Event{Type: EventShow, Notification: &n})
}

func (h *Hub) Dismiss() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = nil
	h.broadcastLocked(Event{Type: EventDismiss})
}

// PublishStatus forwards a raw snapshot for state sync.
func (h *Hub) PublishStatus(s *restart.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(Event{Type: EventStatus, Status: s})
}

func (h *Hub) broadcastLocked(e Event) {
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.WithField("event", e.Type).Warn("Dropping event for slow stream subscriber")
		}
	}
}
