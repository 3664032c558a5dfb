package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/queuereader/internal/config"
	"github.com/austindbirch/queuereader/internal/logging"
	"github.com/austindbirch/queuereader/internal/metrics"
	"github.com/austindbirch/queuereader/internal/queue"
)

var (
	// Total backlog across every endpoint
	queueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queuereader_queue_backlog",
		Help: "Total number of messages waiting across all queue endpoints",
	})

	endpointUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queuereader_queue_endpoint_up",
		Help: "1 when the last stats request to the endpoint succeeded",
	}, []string{"endpoint"})

	// Dead letters mirrored to NSQ
	dlqTopicDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queuereader_dlq_topic_depth",
		Help: "Messages waiting in the NSQ dead-letter topic",
	}, []string{"topic"})

	dlqChannelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queuereader_dlq_channel_depth",
		Help: "Depth of NSQ dead-letter channels by topic and channel",
	}, []string{"topic", "channel"})
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName string `json:"channel_name"`
			Depth       int64  `json:"depth"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(queueBacklog, endpointUp, dlqTopicDepth, dlqChannelDepth)
	metrics.MustRegister(reg)
	return reg
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("queue-monitor").ForQueue(cfg.Reader.Queue)

	transport := queue.Default(cfg.Reader.RedisKey)
	if err := transport.Validate(cfg.Reader.Endpoints); err != nil {
		logger.Plain().WithError(err).Fatal("invalid queue endpoints")
	}

	logger.Plain().WithFields(map[string]any{
		"endpoints": cfg.Reader.Endpoints,
		"interval":  cfg.Monitor.PollInterval.String(),
		"addr":      cfg.Monitor.HTTPPort,
	}).Info("queue monitor starting")

	// Start metrics collection in background
	go collectMetrics(context.Background(), logger, transport, cfg.Reader.Endpoints, cfg.Monitor.PollInterval)
	if cfg.NSQ.PublishDLQ {
		go collectDLQMetrics(context.Background(), logger, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.DLQTopic, cfg.Monitor.PollInterval)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(newRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	srv := &http.Server{Addr: cfg.Monitor.HTTPPort, Handler: mux}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("queue monitor HTTP server failed")
	}
}

func collectMetrics(ctx context.Context, logger *logging.Logger, t queue.Transport, endpoints []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := updateMetrics(ctx, t, endpoints, interval); err != nil {
			logger.Plain().WithError(err).Warn("error updating queue metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateMetrics polls every endpoint once. The backlog only counts endpoints
// that answered; the returned error reports how many did not.
func updateMetrics(ctx context.Context, t queue.Transport, endpoints []string, timeout time.Duration) error {
	var (
		total  int64
		failed int
	)
	for _, ep := range endpoints {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		st, err := t.Stats(reqCtx, ep)
		cancel()
		if err != nil {
			failed++
			endpointUp.WithLabelValues(ep).Set(0)
			metrics.RecordEndpointFailure(ep, "stats")
			continue
		}
		endpointUp.WithLabelValues(ep).Set(1)
		metrics.SetQueueDepth(ep, float64(st.Depth))
		total += st.Depth
	}
	queueBacklog.Set(float64(total))

	if failed > 0 {
		return fmt.Errorf("stats failed on %d of %d endpoints", failed, len(endpoints))
	}
	return nil
}

func collectDLQMetrics(ctx context.Context, logger *logging.Logger, nsqdHTTPAddr, topic string, interval time.Duration) {
	client := &http.Client{Timeout: interval}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := updateDLQMetrics(ctx, client, nsqdHTTPAddr, topic); err != nil {
			logger.Plain().WithError(err).WithField("topic", topic).Warn("error updating dead-letter topic metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateDLQMetrics reads the dead-letter topic from nsqd's stats API. A topic
// nsqd does not know yet has depth 0.
func updateDLQMetrics(ctx context.Context, client *http.Client, nsqdHTTPAddr, topic string) error {
	u := fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats: unexpected status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var depth int64
	for _, t := range stats.Topics {
		if t.TopicName != topic {
			continue
		}
		depth = t.Depth
		for _, ch := range t.Channels {
			dlqChannelDepth.WithLabelValues(t.TopicName, ch.ChannelName).Set(float64(ch.Depth))
		}
	}
	dlqTopicDepth.WithLabelValues(topic).Set(float64(depth))
	return nil
}
