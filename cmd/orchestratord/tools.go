package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/auth"
	"SmartFlow-Orchestrator/internal/packages"
	"SmartFlow-Orchestrator/internal/workflow"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "validate [files...]",
		Short: "Validate workflow, package or agent definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			check, err := validator(kind, workflowLimits(cfg.Workflow))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				if err := check(path); err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "workflow", "definition kind: workflow, package or agent")
	return cmd
}

func validator(kind string, limits workflow.Limits) (func(path string) error, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "workflow":
		return func(path string) error {
			wf, err := workflow.ReadFile(path)
			if err != nil {
				return err
			}
			return workflow.Validate(wf, limits)
		}, nil
	case "package":
		return func(path string) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			_, err = packages.DecodePackage(data)
			return err
		}, nil
	case "agent":
		return func(path string) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			_, err = agent.DecodeManifest(data)
			return err
		}, nil
	default:
		return nil, fmt.Errorf("unknown definition kind: %s", kind)
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject     string
		roles       []string
		permissions []string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token using the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Auth.Mode = string(auth.ModeJWT)
			service, err := auth.NewService(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := service.IssueToken(&auth.Subject{
				Name:        subject,
				Roles:       roles,
				Permissions: permissions,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to embed, repeatable")
	cmd.Flags().StringSliceVar(&permissions, "permission", []string{"read", "write"}, "permission to embed, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
