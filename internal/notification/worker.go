package notification

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"

	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionStore is the persistence the worker pool needs.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	RecordNotification(ctx context.Context, rec *model.NotificationRecord) error
}

// WorkerPool is a Presenter that records every shown notification and
// pushes it to the stored browser subscriptions. Push messages cannot be
// retracted, so Dismiss does nothing.
type WorkerPool struct {
	size    int
	target  string
	jobs    chan Notification
	store   SubscriptionStore
	webpush *webpush.Options
	sender  NotificationSender
	log     logrus.FieldLogger
}

// NewWorkerPool creates a new worker pool. target labels the history records.
func NewWorkerPool(size int, target string, store SubscriptionStore, webpushOptions *webpush.Options, log logrus.FieldLogger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &WorkerPool{
		size:    size,
		target:  target,
		jobs:    make(chan Notification, size*4),
		store:   store,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log := wp.log.WithField("worker", id)
	log.Debug("Push worker started")
	for {
		select {
		case n := <-wp.jobs:
			wp.deliver(ctx, n)
		case <-ctx.Done():
			log.Debug("Push worker shutting down")
			return
		}
	}
}

// Show queues n for recording and push delivery. It never blocks the
// caller; when the queue is full the notification is dropped.
func (wp *WorkerPool) Show(n Notification) {
	select {
	case wp.jobs <- n:
	default:
		wp.log.WithField("id", n.ID).Warn("Push queue full, dropping notification")
	}
}

func (wp *WorkerPool) Dismiss() {}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Notification {
	return wp.jobs
}

func (wp *WorkerPool) deliver(ctx context.Context, n Notification) {
	rec := &model.NotificationRecord{
		ID:        n.ID,
		Target:    wp.target,
		Kind:      string(n.Kind),
		Status:    n.Status.String(),
		Title:     n.Title,
		Message:   n.Message,
		Requester: n.Requester,
		Project:   n.Project,
		CreatedAt: n.CreatedAt,
	}
	if err := wp.store.RecordNotification(ctx, rec); err != nil {
		wp.log.Errorf("Error recording notification %s: %v", n.ID, err)
	}

	if wp.webpush == nil || wp.webpush.VAPIDPrivateKey == "" {
		return
	}

	subscriptions, err := wp.store.ListSubscriptions(ctx)
	if err != nil {
		wp.log.Errorf("Error fetching push subscriptions: %v", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		wp.log.Errorf("Error encoding notification %s: %v", n.ID, err)
		return
	}

	wp.log.WithField("id", n.ID).Infof("Sending %d push notifications", len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Warnf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.log.Infof("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.log.Errorf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
