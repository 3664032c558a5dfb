package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/queuereader/internal/config"
	"github.com/austindbirch/queuereader/internal/hostpool"
)

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "queuereader",
	Short: "queuereader - resilient queue consumer",
	Long: `queuereader pulls messages from one or more simplequeue or Redis
endpoints, runs a set of named tasks against each message, and requeues
or dead-letters whatever did not complete.

Settings come from environment variables, an optional config file and
flags, in increasing order of precedence.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.queuereader.yaml)")
	rootCmd.PersistentFlags().String("queue", "", "queue name (env QUEUE_NAME)")
	rootCmd.PersistentFlags().StringSlice("endpoints", nil, "queue endpoints, http(s):// or redis(s):// (env QUEUE_ENDPOINTS)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout for one-shot commands")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")

	// Bind flags to viper
	viper.BindPFlag("queue", rootCmd.PersistentFlags().Lookup("queue"))
	viper.BindPFlag("endpoints", rootCmd.PersistentFlags().Lookup("endpoints"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".queuereader")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
}

// loadConfig starts from the environment and applies whatever the config
// file or flags set explicitly.
func loadConfig(v *viper.Viper) config.Config {
	cfg := config.FromEnv()
	r := &cfg.Reader

	if v.IsSet("queue") {
		r.Queue = v.GetString("queue")
		if os.Getenv("REDIS_KEY") == "" {
			r.RedisKey = r.Queue
		}
	}
	if v.IsSet("endpoints") {
		if eps := flatten(v.GetStringSlice("endpoints")); len(eps) > 0 {
			r.Endpoints = eps
		}
	}
	if v.IsSet("tasks") {
		if names := flatten(v.GetStringSlice("tasks")); len(names) > 0 {
			r.Tasks = names
		}
	}
	if v.IsSet("max-tries") {
		r.MaxTries = v.GetInt("max-tries")
	}
	if v.IsSet("requeue-delay") {
		r.RequeueDelay = v.GetDuration("requeue-delay")
	}
	if v.IsSet("mget-items") {
		r.MGetItems = v.GetInt("mget-items")
	}
	if v.IsSet("dead-letter-dir") {
		r.DeadLetterDir = v.GetString("dead-letter-dir")
	}
	if v.IsSet("heartbeat-file") {
		r.HeartbeatFile = v.GetString("heartbeat-file")
	}
	if v.IsSet("http-port") {
		cfg.HTTPPort = v.GetString("http-port")
	}
	if v.IsSet("webhook-url") {
		cfg.Webhook.URL = v.GetString("webhook-url")
	}
	return cfg
}

// flatten accepts both repeated flags and comma separated values.
func flatten(items []string) []string {
	var out []string
	for _, it := range items {
		out = append(out, config.SplitList(it)...)
	}
	return out
}

func poolOptions(h config.HostPool) []hostpool.Option {
	mode := hostpool.RoundRobin
	if h.Mode == "random" {
		mode = hostpool.Random
	}
	return []hostpool.Option{
		hostpool.WithMode(mode),
		hostpool.WithRetryFailedHosts(h.RetryFailedHosts),
		hostpool.WithRetryInterval(h.RetryInterval, h.MaxRetryInterval),
		hostpool.WithResetOnAllFailed(h.ResetOnAllFailed),
	}
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput prints v as JSON when --json is set, otherwise with %+v.
func printOutput(v any) {
	if !outputJSON {
		fmt.Printf("%+v\n", v)
		return
	}

	var (
		jsonData []byte
		err      error
	)
	if prettyJSON {
		// Compact JSON if we're going to format with jq
		jsonData, err = json.Marshal(v)
	} else {
		jsonData, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Print(formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		jsonData, _ = json.MarshalIndent(v, "", "  ")
	}
	fmt.Println(string(jsonData))
}
