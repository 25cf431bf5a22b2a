package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tiger/conversational-ivr/api/callflow"
)

// parseFlows decodes one flow or a list of flows from YAML (JSON is valid YAML).
func parseFlows(raw []byte) ([]callflow.Flow, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("parse flows: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, errors.New("parse flows: document is empty")
	}

	var flows []callflow.Flow
	switch doc := node.Content[0]; doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&flows); err != nil {
			return nil, fmt.Errorf("parse flows: %w", err)
		}
	case yaml.MappingNode:
		var flow callflow.Flow
		if err := doc.Decode(&flow); err != nil {
			return nil, fmt.Errorf("parse flows: %w", err)
		}
		flows = append(flows, flow)
	default:
		return nil, errors.New("parse flows: expected a flow mapping or a list of flows")
	}

	for _, flow := range flows {
		if err := flow.Validate(); err != nil {
			return nil, err
		}
	}
	return flows, nil
}

func newFlowsCmd(g *globals, stdout io.Writer) *cobra.Command {
	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace flows from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			flows, err := parseFlows(raw)
			if err != nil {
				return err
			}
			c := g.client()
			for _, flow := range flows {
				saved, err := c.UpsertFlow(cmd.Context(), flow)
				if err != nil {
					return fmt.Errorf("apply flow %s: %w", flow.FlowID, err)
				}
				_, _ = fmt.Fprintf(stdout, "flow %s applied\n", saved.FlowID)
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "flow file, - for stdin")
	_ = apply.MarkFlagRequired("file")

	cmd := &cobra.Command{Use: "flows", Short: "Manage scripted flows"}
	cmd.AddCommand(
		apply,
		&cobra.Command{
			Use:   "list",
			Short: "List flows, most recently updated first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				flows, err := g.client().ListFlows(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(stdout, flows)
			},
		},
		&cobra.Command{
			Use:   "get <flow_id>",
			Short: "Show one flow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				flow, err := g.client().GetFlow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(stdout, flow)
			},
		},
	)
	return cmd
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(stdin); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return buf.Bytes(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}
