// Command govctl inspects and administers a running governor daemon
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"plugin-governor/internal/api/handlers"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/resource"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the global flags shared by every subcommand
type cli struct {
	addr    string
	key     string
	timeout time.Duration
}

func (c *cli) client() *apiClient {
	return newAPIClient(c.addr, c.key, c.timeout)
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "govctl",
		Short:        "Inspect and administer the plugin governor",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&c.addr, "addr", envOr("GOVCTL_ADDR", "localhost:8090"), "Governor API address")
	root.PersistentFlags().StringVar(&c.key, "key", os.Getenv("GOVCTL_KEY"), "Admin key for mutating commands")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Second, "Request timeout")
	root.PersistentFlags().BoolVar(&color.NoColor, "no-color", color.NoColor, "Disable colored output")

	root.AddCommand(
		c.createStatsCommand(),
		c.createPoolsCommand(),
		c.createCleanupCommand(),
		c.createExportCommand(),
		c.createTopCommand(),
	)
	return root
}

// createStatsCommand creates the 'stats' command
func (c *cli) createStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show combined governor statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats handlers.Statistics
			if err := c.client().do(cmd.Context(), http.MethodGet, "/api/v1/statistics", nil, &stats); err != nil {
				return err
			}
			return printStatistics(cmd.OutOrStdout(), &stats)
		},
	}
}

// createPoolsCommand creates the 'pools' command
func (c *cli) createPoolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pools",
		Short: "List pools with their quotas and usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pools []resource.PoolSnapshot
			if err := c.client().do(cmd.Context(), http.MethodGet, "/api/v1/pools", nil, &pools); err != nil {
				return err
			}
			return printPools(cmd.OutOrStdout(), pools)
		},
	}
}

// createCleanupCommand creates the 'cleanup' command
func (c *cli) createCleanupCommand() *cobra.Command {
	var poolsOnly, lifecycleOnly bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run pool and lifecycle cleanup now",
		Long:  `Destroys idle or expired pool instances and runs the lifecycle cleanup policy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			client := c.client()

			if !lifecycleOnly {
				n, err := runCleanup(ctx, client, "/api/v1/pool-cleanup")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "pool instances destroyed: %d\n", n)
			}
			if !poolsOnly {
				n, err := runCleanup(ctx, client, "/api/v1/lifecycle/cleanup")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "lifecycle resources cleaned: %d\n", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&poolsOnly, "pools", false, "Only clean up pools")
	cmd.Flags().BoolVar(&lifecycleOnly, "lifecycle", false, "Only run the lifecycle policy")
	cmd.MarkFlagsMutuallyExclusive("pools", "lifecycle")
	return cmd
}

func runCleanup(ctx context.Context, client *apiClient, path string) (int, error) {
	var result struct {
		Cleaned int `json:"cleaned"`
	}
	if err := client.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return 0, err
	}
	return result.Cleaned, nil
}

// createExportCommand creates the 'export' command
func (c *cli) createExportCommand() *cobra.Command {
	var (
		format string
		since  time.Duration
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export metric history as json or csv",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != monitor.FormatJSON && format != monitor.FormatCSV {
				return fmt.Errorf("unsupported format %q (json, csv)", format)
			}
			query := url.Values{"format": {format}}
			if since > 0 {
				// The daemon resolves a duration relative to its own clock
				query.Set("start", since.String())
			}

			body, err := c.client().raw(cmd.Context(), http.MethodGet, "/api/v1/monitor/export", query)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(output, body, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(body), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", monitor.FormatJSON, "Export format (json, csv)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only export samples newer than this")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path (default: stdout)")
	return cmd
}

// createTopCommand creates the 'top' command
func (c *cli) createTopCommand() *cobra.Command {
	var (
		metric string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the heaviest resource consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{
				"metric": {metric},
				"count":  {strconv.Itoa(count)},
			}
			var top []monitor.ResourceMetrics
			if err := c.client().do(cmd.Context(), http.MethodGet, "/api/v1/monitor/top", query, &top); err != nil {
				return err
			}
			return printTop(cmd.OutOrStdout(), metric, top)
		},
	}

	cmd.Flags().StringVarP(&metric, "metric", "m", "cpu", "Metric to rank by (cpu, memory, access_count, errors)")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of resources to show")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
