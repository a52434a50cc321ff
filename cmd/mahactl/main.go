// Command mahactl talks to a running orchestrator over its REST API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"MAHA-Orchestrator/sdk/go/maha"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mahactl: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	server  string
	timeout time.Duration
}

func (g *globals) client() (*maha.Client, error) {
	return maha.NewClient(g.server, nil)
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "mahactl",
		Short:         "Command line client for the MAHA orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultServer := os.Getenv("MAHA_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:3000"
	}
	root.PersistentFlags().StringVarP(&g.server, "server", "s", defaultServer, "orchestrator base URL")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 5*time.Minute, "request timeout")

	root.AddCommand(
		healthCommand(g),
		agentsCommand(g),
		registerCommand(g),
		planCommand(g),
		runCommand(g),
		statusCommand(g),
		executionsCommand(g),
		summaryCommand(g),
	)
	return root
}

func healthCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, func(ctx context.Context, c *maha.Client) (any, error) {
				return c.Health(ctx)
			})
		},
	}
}

func agentsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, func(ctx context.Context, c *maha.Client) (any, error) {
				return c.ListAgents(ctx)
			})
		},
	}
}

func registerCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "register <url>",
		Short: "Register an agent by its base URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, g, func(ctx context.Context, c *maha.Client) (any, error) {
				return c.RegisterAgent(ctx, args[0])
			})
		},
	}
}

func planCommand(g *globals) *cobra.Command {
	var contextJSON, prefsJSON string
	cmd := &cobra.Command{
		Use:   "plan <description>",
		Short: "Plan a workflow from a natural-language description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := maha.CreateWorkflowRequest{Prompt: strings.Join(args, " ")}
			var err error
			if req.Context, err = parseObject("context", contextJSON); err != nil {
				return err
			}
			if req.Preferences, err = parseObject("preferences", prefsJSON); err != nil {
				return err
			}
			return call(cmd, g, func(ctx context.Context, c *maha.Client) (any, error) {
				return c.CreateWorkflow(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context", "", "JSON object passed to the planner as context")
	cmd.Flags().StringVar(&prefsJSON, "preferences", "", `JSON object of planner preferences, e.g. {"sequential":true}`)
	return cmd
}

func runCommand(g *globals) *cobra.Command {
	var inputJSON string
	var async, wait bool
	cmd := &cobra.Command{
		Use:   "run <workflowId>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseObject("input", inputJSON)
			if err != nil {
				return err
			}
			return call(cmd, g, func(ctx context.Context, c *maha.Client) (any, error) {
				exec, err := c.Execute(ctx, maha.ExecuteRequest{WorkflowID: args[0], Input: input, Async: async})
				if err != nil || !async || !wait {
					return exec, err
				}
				return c.WaitExecution(ctx, exec.ID, time.Second)
			})
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON object overlaid on the workflow's default input")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the execution and return immediately")
	cmd.Flags().BoolVar(&wait, "wait", false, "with --async, poll until the execution finishes")
	return cmd
}

func statusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <executionId>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, g, func(ctx context.Context, c *maha.Client) (any, error) {
				return c.GetExecution(ctx, args[0])
			})
		},
	}
}

func executionsCommand(g *globals) *cobra.Command {
	var q maha.ExecutionQuery
	var stats bool
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List executions or show their statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, func(ctx context.Context, c *maha.Client) (any, error) {
				if stats {
					return c.ExecutionStats(ctx, q)
				}
				return c.ListExecutions(ctx, q)
			})
		},
	}
	cmd.Flags().StringSliceVar(&q.Statuses, "status", nil, "filter by status (running, completed, failed)")
	cmd.Flags().StringVar(&q.WorkflowID, "workflow", "", "filter by workflow id")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of executions")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "number of executions to skip")
	cmd.Flags().BoolVar(&q.NewestFirst, "newest-first", false, "reverse insertion order")
	cmd.Flags().BoolVar(&stats, "stats", false, "print aggregated counts instead of records")
	return cmd
}

func summaryCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <executionId>",
		Short: "Summarize a finished execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			sum, err := client.Summarize(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sum.Summary)
			return err
		},
	}
}

func call(cmd *cobra.Command, g *globals, fn func(context.Context, *maha.Client) (any, error)) error {
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := g.context(cmd)
	defer cancel()
	out, err := fn(ctx, client)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseObject(name, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return out, nil
}
