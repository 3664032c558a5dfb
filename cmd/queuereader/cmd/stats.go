package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/queuereader/internal/queue"
)

var resetStats bool

type endpointStats struct {
	Endpoint string       `json:"endpoint"`
	Stats    *queue.Stats `json:"stats,omitempty"`
	Error    string       `json:"error,omitempty"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics for every endpoint",
	Long: `Show queue statistics for every endpoint.

With --reset the counters are cleared after being read. Only simplequeue
endpoints support a reset.`,
	Example: `  queuereader stats --endpoints http://sq1:8080,http://sq2:8080
  queuereader stats --reset --json --pretty`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())
		c, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		results := collectStats(ctx, c.transport, cfg.Reader.Endpoints, resetStats)
		if outputJSON {
			printOutput(results)
			return nil
		}

		for _, r := range results {
			if r.Error != "" {
				fmt.Printf("❌ %s: %s\n", r.Endpoint, r.Error)
				continue
			}
			fmt.Printf("✅ %s\n", r.Endpoint)
			fmt.Printf("  depth: %d (high water %d)\n", r.Stats.Depth, r.Stats.DepthHighWater)
			fmt.Printf("  puts: %d  gets: %d\n", r.Stats.Puts, r.Stats.Gets)
			keys := make([]string, 0, len(r.Stats.Raw))
			for k := range r.Stats.Raw {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %d\n", k, r.Stats.Raw[k])
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().BoolVar(&resetStats, "reset", false, "reset the counters after reading them")
}

// collectStats queries every endpoint, resetting the counters when reset is
// set; failures are reported per endpoint.
func collectStats(ctx context.Context, t queue.Transport, endpoints []string, reset bool) []endpointStats {
	out := make([]endpointStats, 0, len(endpoints))
	for _, ep := range endpoints {
		st, err := readStats(ctx, t, ep, reset)
		if err != nil {
			out = append(out, endpointStats{Endpoint: ep, Error: err.Error()})
			continue
		}
		out = append(out, endpointStats{Endpoint: ep, Stats: &st})
	}
	return out
}

func readStats(ctx context.Context, t queue.Transport, ep string, reset bool) (queue.Stats, error) {
	if !reset {
		return t.Stats(ctx, ep)
	}
	r, ok := t.(queue.StatsResetter)
	if !ok {
		return queue.Stats{}, fmt.Errorf("%w: stats reset on %s", queue.ErrUnsupportedOperation, ep)
	}
	return r.ResetStats(ctx, ep)
}
