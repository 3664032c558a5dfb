package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/queuereader/internal/queue"
)

type endpointDump struct {
	Endpoint string   `json:"endpoint"`
	Messages []string `json:"messages"`
	Error    string   `json:"error,omitempty"`
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the messages waiting on every endpoint",
	Long: `List queued messages without consuming them.

Messages are printed one per line. With --json the result is an array with
one entry per endpoint.`,
	Example: `  queuereader dump --endpoints http://sq1:8080
  queuereader dump --endpoints redis://localhost:6379/0 --json --pretty`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())
		c, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		results := collectDump(ctx, c.transport, cfg.Reader.Endpoints)
		if outputJSON {
			printOutput(results)
		} else {
			writeDump(os.Stdout, os.Stderr, results)
		}

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d endpoints failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}

// collectDump reads every endpoint; failures are reported per endpoint.
func collectDump(ctx context.Context, t queue.Transport, endpoints []string) []endpointDump {
	out := make([]endpointDump, 0, len(endpoints))
	d, ok := t.(queue.Dumper)
	for _, ep := range endpoints {
		res := endpointDump{Endpoint: ep, Messages: []string{}}
		if !ok {
			res.Error = fmt.Errorf("%w: dump on %s", queue.ErrUnsupportedOperation, ep).Error()
			out = append(out, res)
			continue
		}
		msgs, err := d.Dump(ctx, ep)
		if err != nil {
			res.Error = err.Error()
		}
		for _, m := range msgs {
			res.Messages = append(res.Messages, string(m))
		}
		out = append(out, res)
	}
	return out
}

// writeDump prints messages to w, one per line, and endpoint errors to errw.
func writeDump(w, errw io.Writer, results []endpointDump) {
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(errw, "❌ %s: %s\n", r.Endpoint, r.Error)
			continue
		}
		for _, m := range r.Messages {
			fmt.Fprintln(w, m)
		}
	}
}
