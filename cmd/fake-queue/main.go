package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/queuereader/internal/config"
	"github.com/austindbirch/queuereader/internal/logging"
)

// server is an in-memory simplequeue: a FIFO of messages behind /get, /mget,
// /put, /dump and /stats.
type server struct {
	mu        sync.Mutex
	queue     [][]byte
	puts      int64
	gets      int64
	highWater int64

	failFirstN int
	reqCount   int
	delay      time.Duration
	logger     *logging.Logger
}

func newServer(cfg config.FakeQueue, logger *logging.Logger) *server {
	return &server{
		failFirstN: cfg.FailFirstN,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/get", s.flaky(s.handleGet))
	mux.HandleFunc("/mget", s.flaky(s.handleMGet))
	mux.HandleFunc("/put", s.flaky(s.handlePut))
	mux.HandleFunc("/dump", s.handleDump)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func main() {
	cfg := config.FromEnv().FakeQueue
	logger := logging.New("fake-queue")
	s := newServer(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"delay_ms":     cfg.ResponseDelayMS,
	}).Info("fake-queue listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-queue server failed")
	}
}

// flaky applies the configured delay and fails the first N queue requests.
func (s *server) flaky(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}

		s.mu.Lock()
		s.reqCount++
		n := s.reqCount
		s.mu.Unlock()

		// Simulate flakiness: first N requests -> 500
		if n <= s.failFirstN {
			s.logger.Plain().WithFields(map[string]any{"path": r.URL.Path, "count": n}).
				Warnf("FAILING (%d/%d)", n, s.failFirstN)
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		next(w, r)
	}
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	msgs := s.pop(1)
	if len(msgs) == 0 {
		return
	}
	s.logger.Plain().WithField("body", truncate(string(msgs[0]), 160)).Debug("get")
	_, _ = w.Write(msgs[0])
}

func (s *server) handleMGet(w http.ResponseWriter, r *http.Request) {
	items, err := strconv.Atoi(r.URL.Query().Get("items"))
	if err != nil || items <= 0 {
		http.Error(w, "items must be a positive integer", http.StatusBadRequest)
		return
	}
	msgs := s.pop(items)
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = string(m)
	}
	_, _ = w.Write([]byte(strings.Join(lines, "\n")))
}

func (s *server) handlePut(w http.ResponseWriter, r *http.Request) {
	data := r.URL.Query().Get("data")
	if data == "" {
		http.Error(w, "missing data", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, []byte(data))
	s.puts++
	s.highWater = max(s.highWater, int64(len(s.queue)))
	s.mu.Unlock()

	s.logger.Plain().WithField("body", truncate(data, 160)).Debug("put")
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleDump(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	lines := make([]string, len(s.queue))
	for i, m := range s.queue {
		lines[i] = string(m)
	}
	s.mu.Unlock()
	_, _ = w.Write([]byte(strings.Join(lines, "\n")))
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := fmt.Sprintf("puts:%d\ngets:%d\ndepth:%d\ndepth_high_water:%d\n",
		s.puts, s.gets, len(s.queue), s.highWater)
	if r.URL.Query().Get("reset") == "1" {
		s.puts, s.gets = 0, 0
		s.highWater = int64(len(s.queue))
	}
	s.mu.Unlock()
	_, _ = w.Write([]byte(body))
}

func (s *server) pop(n int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = min(n, len(s.queue))
	out := s.queue[:n:n]
	s.queue = s.queue[n:]
	s.gets += int64(n)
	return out
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
