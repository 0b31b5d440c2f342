package notification

import (
	"time"

	"github.com/google/uuid"

	"deploy-restart-agent/internal/restart"
)

// Kind tells a presenter how to render a notification.
type Kind string

const (
	// KindConfirmation confirms the viewer's own request, with a countdown.
	KindConfirmation Kind = "confirmation"
	// KindActionable offers the viewer a reject action.
	KindActionable Kind = "actionable"
	KindInfo       Kind = "info"
)

// Notification is one user-facing message about the restart protocol.
type Notification struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Status    restart.State `json:"status"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Requester string        `json:"requester,omitempty"`
	Project   string        `json:"project,omitempty"`
	Override  bool          `json:"override,omitempty"`
	// Countdown is the number of seconds left before a pending request runs.
	Countdown int64     `json:"countdown,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newNotification(kind Kind, status *restart.Status, now time.Time) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    status.State,
		Requester: status.Requester,
		Project:   status.Project,
		CreatedAt: now,
	}
}

// Presenter renders notifications. The deduplicator keeps at most one
// notification visible, so a presenter only ever replaces or clears it.
type Presenter interface {
	Show(n Notification)
	Dismiss()
}

// Deliver runs fn on the consumer's scheduling context. Calls must run in
// the order they were made.
type Deliver func(fn func())

// Fanout shows and dismisses on every presenter in order.
type Fanout []Presenter

func (f Fanout) Show(n Notification) {
	for _, p := range f {
		p.Show(n)
	}
}

func (f Fanout) Dismiss() {
	for _, p := range f {
		p.Dismiss()
	}
}
