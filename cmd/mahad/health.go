package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/internal/registry"
)

type agentStatus struct {
	URL     string
	Name    string
	Latency time.Duration
	Err     error
}

// newHealthCommand 探测配置中的每个 Agent，任何一个不可用时以非零状态退出。
func newHealthCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the /meta endpoint of every configured agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			endpoints, err := bootstrapEndpoints(cfg)
			if err != nil {
				return err
			}
			if len(endpoints) == 0 {
				return fmt.Errorf("no agent endpoints configured")
			}
			results := checkAgents(cmd.Context(), newAgentClient(cfg), endpoints)
			return report(cmd.OutOrStdout(), results)
		},
	}
}

func checkAgents(ctx context.Context, fetcher registry.Fetcher, urls []string) []agentStatus {
	results := make([]agentStatus, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			meta, err := fetcher.FetchMeta(ctx, url)
			results[i] = agentStatus{URL: url, Latency: time.Since(start), Err: err}
			if err == nil {
				results[i].Name = meta.Name
			}
		}()
	}
	wg.Wait()
	return results
}

func report(w io.Writer, results []agentStatus) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "DOWN  %-40s %s (%v)\n", r.URL, xerrors.CodeOf(r.Err), r.Err)
			continue
		}
		fmt.Fprintf(w, "UP    %-40s %s in %s\n", r.URL, r.Name, r.Latency.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d agent(s) unavailable", failed, len(results))
	}
	return nil
}
