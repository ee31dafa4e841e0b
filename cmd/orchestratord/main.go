package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"SmartFlow-Orchestrator/internal/config"
)

var version = "dev"

// main 是编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "orchestratord",
		Short:         "SmartFlow agent orchestration daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "path to the JSON or YAML config file")

	rootCmd.AddCommand(newServeCmd(opts, version))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))

	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv(config.EnvConfigPath); path != "" {
		return path
	}
	return filepath.Join("configs", "orchestrator.yaml")
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.LoadOrDefault(o.configPath)
}
