package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tiger/conversational-ivr/internal/config"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ivr-server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts config.LoadOptions

	load := func() (config.Settings, error) {
		return config.Load(opts)
	}

	root := &cobra.Command{
		Use:           "ivr-server",
		Short:         "Conversational IVR call-processing service",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(settings, stderr)
			a, err := newApp(settings, logger)
			if err != nil {
				return err
			}
			serveErr := a.serve(cmd.Context())
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.close(ctx)
			return serveErr
		},
	}
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (yaml, toml or env)")
	root.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file (default .env when present)")

	root.AddCommand(&cobra.Command{
		Use:   "providers",
		Short: "Print the provider strategies selected by the current settings",
		RunE: func(_ *cobra.Command, _ []string) error {
			settings, err := load()
			if err != nil {
				return err
			}
			providers, err := bootstrap.Build(settings, config.NewLogger(settings, stderr))
			if err != nil {
				return fmt.Errorf("provider bootstrap failed: %w", err)
			}
			_, _ = fmt.Fprintf(stdout, "ivr-server: %s\n", providers.Summary())
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective settings with secrets redacted",
		RunE: func(_ *cobra.Command, _ []string) error {
			settings, err := load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(settings.Redacted())
		},
	})
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root
}
