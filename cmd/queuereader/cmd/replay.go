package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/queuereader/internal/deadletter"
	"github.com/austindbirch/queuereader/internal/envelope"
)

var (
	replayKeepTries bool
	replayRaw       bool
	replayRemove    bool
	replayDryRun    bool
)

var errSkipRecord = errors.New("record skipped")

type replayResult struct {
	File     string `json:"file"`
	Endpoint string `json:"endpoint,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

var replayCmd = &cobra.Command{
	Use:   "replay <file|dir>...",
	Short: "Requeue dead-lettered messages",
	Long: `Put dead-letter records back on the queue.

Each argument is a dead-letter file or a directory of them. Envelopes are
requeued with their retry time cleared and, unless --keep-tries is set,
their try count reset. Records holding undecodable input are skipped
unless --raw is given.`,
	Example: `  queuereader replay /var/lib/queuereader/dlq/clicks
  queuereader replay --dry-run --json ./20240301-120000.8.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())

		files, err := recordFiles(args)
		if err != nil {
			return err
		}

		var c *client
		if !replayDryRun {
			if c, err = newClient(cfg); err != nil {
				return err
			}
		}

		var results []replayResult
		failed := 0
		for _, path := range files {
			res := replayResult{File: path}
			payload, err := loadReplay(path, replayKeepTries, replayRaw)
			switch {
			case errors.Is(err, errSkipRecord):
				res.Skipped = err.Error()
			case err != nil:
				res.Error = err.Error()
				failed++
			case replayDryRun:
				res.Skipped = "dry run"
			default:
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				res.Endpoint, err = c.put(ctx, payload)
				cancel()
				if err != nil {
					res.Error = err.Error()
					failed++
					break
				}
				if replayRemove {
					if err := os.Remove(path); err != nil {
						res.Error = err.Error()
						failed++
					}
				}
			}
			results = append(results, res)
		}

		if outputJSON {
			printOutput(results)
		} else {
			for _, r := range results {
				switch {
				case r.Error != "":
					fmt.Printf("❌ %s: %s\n", r.File, r.Error)
				case r.Skipped != "":
					fmt.Printf("⏭  %s: %s\n", r.File, r.Skipped)
				default:
					fmt.Printf("✅ %s -> %s\n", r.File, r.Endpoint)
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d records failed", failed, len(files))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().BoolVar(&replayKeepTries, "keep-tries", false, "keep the recorded try count")
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "also requeue records holding undecodable input")
	replayCmd.Flags().BoolVar(&replayRemove, "remove", false, "delete each file once requeued")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "parse records without queueing them")
}

// recordFiles expands directories to the .json files directly inside them.
func recordFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}

// loadReplay reads a file written by the file sink, which holds the envelope
// or the undecodable input verbatim, or a record saved from the NSQ topic.
func loadReplay(path string, keepTries, raw bool) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec deadletter.Record
	if json.Unmarshal(b, &rec) == nil && rec.Type == deadletter.RecordType {
		return replayPayload(rec, keepTries, raw)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(b, &env); err != nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return replayPayload(deadletter.Record{Raw: string(b)}, keepTries, raw)
	}
	return replayPayload(deadletter.Record{Envelope: &env}, keepTries, raw)
}

// replayPayload returns the bytes to requeue for rec.
func replayPayload(rec deadletter.Record, keepTries, raw bool) ([]byte, error) {
	if rec.Envelope == nil {
		if !raw {
			return nil, fmt.Errorf("%w: undecodable input", errSkipRecord)
		}
		if rec.Raw == "" {
			return nil, fmt.Errorf("%w: empty input", errSkipRecord)
		}
		return []byte(rec.Raw), nil
	}

	env := *rec.Envelope
	if len(env.TasksLeft) == 0 {
		// Bare data is wrapped with the reader's full task set on arrival.
		return env.Data, nil
	}
	env.RetryOn = envelope.Time{}
	if !keepTries {
		env.Tries = 0
	}
	return env.Encode()
}
