package api

import (
	"context"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/clock"
	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/notification"
	"deploy-restart-agent/internal/restart"
	"deploy-restart-agent/internal/store"
)

// RestartService is the part of the restart facade the API drives.
type RestartService interface {
	User() string
	LatestStatus() *restart.Status
	FormattedElapsedTime() string
	RequestRestart(ctx context.Context, project string) (*restart.Status, error)
	RejectRestart(ctx context.Context) (*restart.Status, error)
}

// Deps are the collaborators of the API handlers. Store and Restart may be
// nil, in which case their routes answer 503.
type Deps struct {
	Store   store.Store
	Restart RestartService
	Hub     *notification.Hub
	Webpush *webpush.Options
	Clock   clock.Clock
	Logger  logrus.FieldLogger
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	restart RestartService
	hub     *notification.Hub
	webpush *webpush.Options
	clock   clock.Clock
	log     logrus.FieldLogger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		store:   d.Store,
		restart: d.Restart,
		hub:     d.Hub,
		webpush: d.Webpush,
		clock:   d.Clock,
		log:     d.Logger,
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.log == nil {
		h.log = logger.Discard()
	}
	return h
}
