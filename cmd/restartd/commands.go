package main

import (
	"context"

	"github.com/spf13/cobra"

	"deploy-restart-agent/internal/service"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the target's current restart state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.oneShot(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, f *service.Facade) (any, error) {
				return f.Coordinator().GetStatus(ctx)
			})
		},
	}
}

func newRequestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "request PROJECT",
		Short: "Ask everyone on the target to agree to a restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.oneShot(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, f *service.Facade) (any, error) {
				return f.RequestRestart(ctx, args[0])
			})
		},
	}
}

func newRejectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reject",
		Short: "Reject the open restart request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.oneShot(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, f *service.Facade) (any, error) {
				return f.RejectRestart(ctx)
			})
		},
	}
}

type targetView struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	ScriptPath string `json:"script_path"`
}

func newTargetsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List configured targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			views := make([]targetView, 0, len(a.cfg.Targets))
			for _, t := range a.cfg.Targets {
				views = append(views, targetView{Name: t.Name, Host: t.Host, Port: t.Port, User: t.User, ScriptPath: t.ScriptPath})
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
}
