package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deploy-restart-agent/config"
	"deploy-restart-agent/internal/api"
	"deploy-restart-agent/internal/db"
	"deploy-restart-agent/internal/model"
	"deploy-restart-agent/internal/notification"
	"deploy-restart-agent/internal/remote"
	"deploy-restart-agent/internal/service"
	"deploy-restart-agent/internal/store"
)

const (
	uiQueueSize     = 64
	shutdownTimeout = 5 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch a target's restart state and serve the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	t, err := a.cfg.Target(a.targetName)
	if err != nil {
		return err
	}
	log := a.log.WithField("target", t.Name)

	gormDB, err := db.Init(&a.cfg.Database, a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)
	if err := appStore.SaveTargets(ctx, targetRecords(a.cfg.Targets)); err != nil {
		return fmt.Errorf("failed to save targets: %w", err)
	}
	log.Info("Data store initialized")

	webpushOptions := webpush.Options{
		VAPIDPublicKey:  a.cfg.Push.PublicKey,
		VAPIDPrivateKey: a.cfg.Push.PrivateKey,
		Subscriber:      a.cfg.Push.Subject,
		TTL:             a.cfg.Push.TTL,
	}
	if webpushOptions.VAPIDPrivateKey == "" {
		log.Warn("VAPID keys not configured; notifications are recorded but not pushed")
	}

	hub := notification.NewHub(log)
	pool := notification.NewWorkerPool(a.cfg.WorkerPool.Size, t.Name, appStore, &webpushOptions, log)
	pool.Start(ctx)
	queue := notification.NewQueue(uiQueueSize)
	defer queue.Close()

	var sup *service.Supervisor
	session, err := a.newSession(t, remote.Callbacks{
		OnAttemptFailed: func(attempt, maxAttempts int, delay time.Duration, err error) {
			log.WithField("attempt", attempt).Warnf("Connect attempt %d/%d failed, next in %s: %v", attempt, maxAttempts, delay, err)
		},
		OnConnectionFailed: func(message string) { log.Error(message) },
		OnConnectionLost:   func() { sup.ConnectionLost() },
		OnReconnectStarted: func() { log.Info("Reconnecting") },
	})
	if err != nil {
		return err
	}
	defer session.Disconnect()

	opts := a.facadeOptions(t, remote.NewExecutor(session))
	opts.Presenter = notification.Fanout{hub, pool}
	opts.Deliver = queue.Deliver
	facade := service.New(opts)
	defer facade.Close()
	facade.Subscribe(hub.PublishStatus)
	if !facade.Initialize() {
		return service.ErrNotInitialized
	}
	sup = service.NewSupervisor(facade, session, service.SupervisorOptions{
		PollInterval: a.cfg.Restart.PollInterval,
		Logger:       log,
	})

	if err := session.ConnectWithRetry(ctx, a.cfg.Session.ConnectAttempts); err != nil {
		return fmt.Errorf("connect to %s: %w", t.Name, err)
	}

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	if a.log.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Store:   appStore,
		Restart: facade,
		Hub:     hub,
		Webpush: &webpushOptions,
		Logger:  log,
	}, api.RouterOptions{
		RateLimitPerSec: a.cfg.Server.RateLimitPerSec,
		RateBurst:       a.cfg.Server.RateBurst,
		CacheTTL:        time.Duration(a.cfg.Server.CacheTTLSeconds) * time.Second,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("HTTP server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received, stopping services...")
	case runErr = <-serveErr:
		log.Errorf("HTTP server failed: %v", runErr)
	case err := <-supErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server Shutdown: %v", err)
	}
	log.Info("Server gracefully stopped")
	return runErr
}

func targetRecords(targets []config.TargetConfig) []model.Target {
	now := time.Now()
	out := make([]model.Target, 0, len(targets))
	for _, t := range targets {
		out = append(out, model.Target{
			Name:       t.Name,
			Host:       t.Host,
			Port:       t.Port,
			User:       t.User,
			ScriptPath: t.ScriptPath,
			KnownHosts: t.KnownHosts,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return out
}
