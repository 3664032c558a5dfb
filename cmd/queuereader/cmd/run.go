package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/queuereader/internal/config"
	"github.com/austindbirch/queuereader/internal/db"
	"github.com/austindbirch/queuereader/internal/deadletter"
	"github.com/austindbirch/queuereader/internal/health"
	"github.com/austindbirch/queuereader/internal/logging"
	"github.com/austindbirch/queuereader/internal/metrics"
	"github.com/austindbirch/queuereader/internal/queue"
	"github.com/austindbirch/queuereader/internal/reader"
	"github.com/austindbirch/queuereader/internal/tasks"
	"github.com/austindbirch/queuereader/internal/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume the queue until interrupted",
	Long: `Run the reader loop against the configured endpoints.

The first SIGINT or SIGTERM lets the current batch finish and then exits.
A second one exits immediately.`,
	Example: `  queuereader run --queue clicks --endpoints http://sq1:8080,http://sq2:8080 --tasks log,webhook
  queuereader run --endpoints redis://localhost:6379/0 --tasks archive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReader(cmd.Context(), loadConfig(viper.GetViper()))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringSlice("tasks", nil, "task kinds to run: log, webhook, archive, forward (env TASKS)")
	f.Int("max-tries", 0, "attempts before a message is dead-lettered (env MAX_TRIES)")
	f.Duration("requeue-delay", 0, "base delay before a requeued message is retried (env REQUEUE_DELAY)")
	f.Int("mget-items", 0, "fetch up to N messages per request, 0 fetches one (env MGET_ITEMS)")
	f.String("dead-letter-dir", "", "directory for dead-letter files (env DEAD_LETTER_DIR)")
	f.String("heartbeat-file", "", "file touched while the loop is alive (env HEARTBEAT_FILE)")
	f.String("http-port", "", "health and metrics listen address (env HTTP_PORT)")
	f.String("webhook-url", "", "target of the webhook task (env WEBHOOK_URL)")

	for _, name := range []string{"tasks", "max-tries", "requeue-delay", "mget-items", "dead-letter-dir", "heartbeat-file", "http-port", "webhook-url"} {
		viper.BindPFlag(name, f.Lookup(name))
	}
}

// needs reports whether the configured task list contains kind.
func needs(c config.Config, kind string) bool {
	return slices.Contains(c.Reader.Tasks, kind)
}

func readerConfig(c config.Config, taskSet map[string]reader.Task) reader.Config {
	rc := reader.DefaultConfig()
	r := c.Reader
	rc.Queue = r.Queue
	rc.Endpoints = r.Endpoints
	rc.Tasks = taskSet
	rc.MaxTries = r.MaxTries
	rc.RequeueDelay = r.RequeueDelay
	rc.SleepFailedQueue = r.SleepFailedQueue
	rc.SleepQueueEmpty = r.SleepQueueEmpty
	rc.SleepRequeue = r.SleepRequeue
	rc.MGetItems = r.MGetItems
	rc.DeadLetterDir = r.DeadLetterDir
	rc.FailedCount = r.FailedCount
	rc.HeartbeatFile = r.HeartbeatFile
	rc.HeartbeatInterval = r.HeartbeatInterval
	rc.BackoffMin = r.BackoffMin
	rc.BackoffMax = r.BackoffMax
	rc.BackoffStep = r.BackoffStep
	return rc
}

func runReader(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger := logging.New(cfg.AppName).ForQueue(cfg.Reader.Queue)
	logging.SetDefaultService(cfg.AppName)

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	transport := queue.Default(cfg.Reader.RedisKey)
	if err := transport.Validate(cfg.Reader.Endpoints); err != nil {
		return err
	}

	deps := tasks.Deps{
		Logger:       logger,
		Webhook:      webhookConfig(cfg.Webhook),
		ForwardTopic: cfg.NSQ.ForwardTopic,
	}

	var producer *nsq.Producer
	if cfg.NSQ.PublishDLQ || needs(cfg, tasks.KindForward) {
		producer, err = deadletter.DialNSQ(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		defer producer.Stop()
		deps.Publisher = producer
	}

	var pinger health.Pinger
	if needs(cfg, tasks.KindArchive) {
		pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.DB.MaxConns))
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		deps.DB = pool
		pinger = pool
	}

	taskSet, err := tasks.Build(cfg.Reader.Tasks, deps)
	if err != nil {
		return err
	}

	opts := []reader.Option{
		reader.WithLogger(logger),
		reader.WithPoolOptions(poolOptions(cfg.HostPool)...),
	}
	if cfg.NSQ.PublishDLQ {
		opts = append(opts, reader.WithMirrors(deadletter.NewNSQSink(producer, cfg.NSQ.DLQTopic)))
	}
	r, err := reader.New(readerConfig(cfg, taskSet), transport, opts...)
	if err != nil {
		return err
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(r, pinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("queuereader HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("queuereader HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go reader.NewShutdown(cancel, nil, logger).Watch(sigCh)

	logger.Plain().WithFields(map[string]any{
		"endpoints": cfg.Reader.Endpoints,
		"tasks":     r.Tasks(),
	}).Info("queuereader started")

	runErr := r.Run(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		logger.Plain().WithError(runErr).Error("reader stopped")
		return runErr
	}
	logger.Plain().Info("queuereader stopped")
	return nil
}

func webhookConfig(w config.Webhook) tasks.WebhookConfig {
	return tasks.WebhookConfig{
		URL:       w.URL,
		Secret:    w.Secret,
		JWTKey:    w.JWTKey,
		JWTIssuer: w.JWTIssuer,
		Timeout:   w.Timeout,
	}
}
