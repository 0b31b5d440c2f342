package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deploy-restart-agent/config"
	"deploy-restart-agent/internal/logger"
	"deploy-restart-agent/internal/remote"
	"deploy-restart-agent/internal/service"
)

const defaultConfigPath = "./config/config.yaml"

// app carries what every subcommand needs once the config is loaded.
type app struct {
	configPath string
	targetName string

	cfg *config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "restartd",
		Short: "Coordinate shared restarts of deployment servers",
		Long: `Coordinate a shared restart of a deployment server with everyone else
deploying to it. The server-side restart script holds the request state;
restartd polls it over SSH and notifies you when someone asks for,
rejects, or runs a restart.

Examples:
  restartd serve --target prod        # Watch a target and serve the local API
  restartd status                     # Print the current restart state
  restartd request web-frontend       # Ask to restart for a project
  restartd reject                     # Reject the open request`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default $CONFIG_PATH or "+defaultConfigPath+")")
	root.PersistentFlags().StringVarP(&a.targetName, "target", "t", "", "Target name (optional with a single target)")

	root.AddCommand(
		newServeCmd(a),
		newStatusCmd(a),
		newRequestCmd(a),
		newRejectCmd(a),
		newTargetsCmd(a),
	)
	return root
}

func (a *app) load() error {
	path := a.configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	a.cfg = cfg
	a.log = logger.New(cfg.Log.Level, cfg.Log.Format)
	a.log.Debugf("Configuration loaded from %s", path)
	return nil
}

// newSession builds a disconnected session for the target.
func (a *app) newSession(t config.TargetConfig, cb remote.Callbacks) (*remote.Session, error) {
	log := a.log.WithField("target", t.Name)
	transport, err := remote.NewSSHTransport(remote.SSHConfig{
		Addr:           net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		User:           t.User,
		Password:       t.Password,
		KeyFile:        t.KeyFile,
		KnownHostsFile: t.KnownHosts,
		DialTimeout:    a.cfg.Session.DialTimeout,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	return remote.NewSession(transport, remote.Options{
		BaseBackoff:       a.cfg.Session.BaseBackoff,
		KeepAliveInterval: a.cfg.Session.KeepAlive,
		ReconnectSettle:   a.cfg.Session.ReconnectSettle,
		CommandPoll:       a.cfg.Session.CommandPoll,
		ProbeTimeout:      a.cfg.Session.ProbeTimeout,
		Logger:            log,
		Callbacks:         cb,
	}), nil
}

func (a *app) facadeOptions(t config.TargetConfig, exec *remote.Executor) service.Options {
	return service.Options{
		Target:           t.Name,
		Identity:         a.cfg.Identity,
		ScriptPath:       t.ScriptPath,
		Executor:         exec,
		SettleDelay:      a.cfg.Restart.SettleDelay,
		FailureThreshold: a.cfg.Restart.FailureThreshold,
		CommandTimeout:   a.cfg.Restart.CommandTimeout,
		Debounce:         a.cfg.Restart.Debounce,
		Logger:           a.log,
	}
}

// oneShot connects to the selected target, runs fn against an initialized
// facade and prints its result as JSON.
func (a *app) oneShot(ctx context.Context, out io.Writer, fn func(context.Context, *service.Facade) (any, error)) error {
	t, err := a.cfg.Target(a.targetName)
	if err != nil {
		return err
	}

	session, err := a.newSession(t, remote.Callbacks{
		OnAttemptFailed: func(attempt, maxAttempts int, delay time.Duration, err error) {
			a.log.WithField("attempt", attempt).Warnf("Connect attempt %d/%d failed: %v", attempt, maxAttempts, err)
		},
	})
	if err != nil {
		return err
	}
	if err := session.ConnectWithRetry(ctx, a.cfg.Session.ConnectAttempts); err != nil {
		return fmt.Errorf("connect to %s: %w", t.Name, err)
	}
	defer session.Disconnect()

	facade := service.New(a.facadeOptions(t, remote.NewExecutor(session)))
	if !facade.Initialize() {
		return service.ErrNotInitialized
	}

	result, err := fn(ctx, facade)
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
