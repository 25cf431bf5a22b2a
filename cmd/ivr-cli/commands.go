package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/client"
	"github.com/tiger/conversational-ivr/internal/dashboard"
)

func newSimulateCallCmd(g *globals, stdout io.Writer) *cobra.Command {
	var (
		event   callflow.CallStartEvent
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate-call",
		Short: "Post a call-start event to the webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if event.CallID == "" {
				event.CallID = uuid.NewString()
			}
			c := g.client()
			accepted, err := c.SimulateCall(cmd.Context(), event)
			if err != nil {
				return err
			}
			if !wait {
				return writeJSON(stdout, accepted)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			final, err := c.WaitForTerminal(ctx, accepted.CallID, 250*time.Millisecond)
			if err != nil {
				return err
			}
			return writeJSON(stdout, final)
		},
	}
	cmd.Flags().StringVar(&event.CallID, "call-id", "", "call identifier (random uuid when empty)")
	cmd.Flags().StringVar(&event.From, "from", "+15550000001", "caller address")
	cmd.Flags().StringVar(&event.To, "to", "+15550000002", "called address")
	cmd.Flags().StringVar(&event.MediaURL, "media-url", "", "recording reference (URL, path or file://)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the session is terminal and print it")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --wait polls")
	return cmd
}

func newSessionsCmd(g *globals, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect call sessions"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				sessions, err := g.client().ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(stdout, sessions)
			},
		},
		&cobra.Command{
			Use:   "get <call_id>",
			Short: "Show one session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				got, err := g.client().GetSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(stdout, got)
			},
		},
	)
	return cmd
}

func newTranscriptsCmd(g *globals, stdout io.Writer) *cobra.Command {
	var search client.TranscriptSearch
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search transcript entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if search.Limit < 1 || search.Limit > 1000 {
				return fmt.Errorf("--limit must be between 1 and 1000")
			}
			entries, err := g.client().SearchTranscripts(cmd.Context(), search)
			if err != nil {
				return err
			}
			return writeJSON(stdout, entries)
		},
	}
	searchCmd.Flags().StringVar(&search.CallID, "call-id", "", "filter by call id")
	searchCmd.Flags().StringVar(&search.FromTS, "from", "", "inclusive lower timestamp bound")
	searchCmd.Flags().StringVar(&search.ToTS, "to", "", "inclusive upper timestamp bound")
	searchCmd.Flags().IntVar(&search.Limit, "limit", 50, "maximum entries (1..1000)")

	cmd := &cobra.Command{Use: "transcripts", Short: "Query the transcript log"}
	cmd.AddCommand(searchCmd)
	return cmd
}

func newDashboardCmd(g *globals, stdout io.Writer) *cobra.Command {
	var opts dashboard.Options
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live session table (plain table when not a terminal)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Out = stdout
			return dashboard.Run(cmd.Context(), g.client(), opts)
		},
	}
	cmd.Flags().DurationVar(&opts.Interval, "interval", dashboard.DefaultInterval, "refresh interval")
	cmd.Flags().BoolVar(&opts.ForcePlain, "plain", false, "print once as a plain table")
	return cmd
}
