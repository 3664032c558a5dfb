package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/queuereader/internal/envelope"
)

var (
	putFile  string
	putWrap  bool
	putTasks []string
)

var putCmd = &cobra.Command{
	Use:   "put [json]",
	Short: "Enqueue a message",
	Long: `Enqueue one JSON message. The payload comes from the argument, from
--file, or from stdin when neither is given.

By default the payload is sent as is and the reader wraps it on arrival.
With --wrap it is sent as a fresh envelope restricted to --tasks.`,
	Example: `  queuereader put '{"user":42,"event":"click"}'
  echo '{"user":42}' | queuereader put --wrap --tasks webhook`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())

		var (
			body []byte
			err  error
		)
		switch {
		case len(args) == 1:
			body = []byte(args[0])
		case putFile != "":
			body, err = os.ReadFile(putFile)
		default:
			body, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}

		data, err := buildPayload(body, putWrap, putTasks, time.Now())
		if err != nil {
			return err
		}

		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		ep, err := c.put(ctx, data)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(map[string]any{"endpoint": ep, "bytes": len(data)})
			return nil
		}
		fmt.Printf("Queued %d bytes on %s\n", len(data), ep)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd)

	putCmd.Flags().StringVarP(&putFile, "file", "f", "", "read the payload from a file")
	putCmd.Flags().BoolVar(&putWrap, "wrap", false, "send a fresh envelope instead of the bare payload")
	putCmd.Flags().StringSliceVar(&putTasks, "tasks", nil, "tasks for the wrapped envelope (requires --wrap)")
}

// buildPayload validates body and optionally wraps it in an envelope.
func buildPayload(body []byte, wrap bool, tasks []string, now time.Time) ([]byte, error) {
	body = []byte(strings.TrimSpace(string(body)))
	if !json.Valid(body) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	if !wrap {
		if len(tasks) > 0 {
			return nil, fmt.Errorf("--tasks requires --wrap")
		}
		return body, nil
	}
	names := flatten(tasks)
	if len(names) == 0 {
		return nil, fmt.Errorf("--wrap requires at least one task")
	}
	return envelope.Wrap(json.RawMessage(body), names, now).Encode()
}
