package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tiger/conversational-ivr/internal/client"
	"github.com/tiger/conversational-ivr/internal/config"
)

const defaultServerURL = "http://localhost:8000"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ivr-cli: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	serverURL string
	secret    string
}

func (g *globals) client() *client.Client {
	c := client.New(g.serverURL)
	c.WebhookSecret = g.secret
	return c
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "ivr-cli",
		Short:         "Client for the conversational IVR service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.serverURL, "server", config.EnvValue("IVR_SERVER_URL", defaultServerURL), "service base URL")
	root.PersistentFlags().StringVar(&g.secret, "secret", config.EnvValue("IVR_WEBHOOK_SECRET", ""), "webhook secret used to sign simulated calls")

	root.AddCommand(
		newSimulateCallCmd(g, stdout),
		newSessionsCmd(g, stdout),
		newTranscriptsCmd(g, stdout),
		newFlowsCmd(g, stdout),
		newDashboardCmd(g, stdout),
	)
	root.SetOut(stdout)
	return root
}

func writeJSON(w io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, string(payload))
	return nil
}
