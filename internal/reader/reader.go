// Package reader is the queue consumer loop: it pulls messages through a
// host pool, runs every outstanding task against them, and requeues or
// dead-letters what is left.
package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/queuereader/internal/backoff"
	"github.com/austindbirch/queuereader/internal/deadletter"
	"github.com/austindbirch/queuereader/internal/hostpool"
	"github.com/austindbirch/queuereader/internal/logging"
	"github.com/austindbirch/queuereader/internal/metrics"
	"github.com/austindbirch/queuereader/internal/queue"
)

var (
	// ErrRequeueWithoutBackoff is returned by a task that cannot run yet for
	// reasons other than failure. The task stays outstanding and its backoff
	// is left alone.
	ErrRequeueWithoutBackoff = errors.New("requeue without backoff")

	// ErrUnknownTask is reported for a task name with no registered Task.
	ErrUnknownTask = errors.New("unknown task")
)

// Message is what a task sees of an envelope.
type Message struct {
	ID    string
	Queue string
	Tries int
	Data  json.RawMessage
}

// Task runs one named unit of work. true means the task is done for this
// message.
type Task func(ctx context.Context, m Message) (bool, error)

// PreprocessFunc may rewrite the payload before tasks see it.
type PreprocessFunc func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

// ValidateFunc rejects a payload by returning false; rejected messages are
// dropped.
type ValidateFunc func(ctx context.Context, data json.RawMessage) bool

// GiveUpFunc is called once before an exhausted envelope is dead-lettered.
type GiveUpFunc func(ctx context.Context, m Message, tasksLeft []string) error

// Config holds the reader's settings. Use DefaultConfig for the defaults.
type Config struct {
	Queue     string
	Endpoints []string
	Tasks     map[string]Task

	MaxTries         int
	RequeueDelay     time.Duration
	SleepFailedQueue time.Duration
	SleepQueueEmpty  time.Duration
	SleepRequeue     time.Duration
	MGetItems        int

	DeadLetterDir string
	FailedCount   int64

	HeartbeatFile     string
	HeartbeatInterval time.Duration

	BackoffMin  time.Duration
	BackoffMax  time.Duration
	BackoffStep time.Duration

	Preprocess PreprocessFunc
	Validate   ValidateFunc
	GiveUp     GiveUpFunc
}

func DefaultConfig() Config {
	return Config{
		MaxTries:          5,
		RequeueDelay:      90 * time.Second,
		SleepFailedQueue:  5 * time.Second,
		SleepQueueEmpty:   500 * time.Millisecond,
		SleepRequeue:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		BackoffMin:        0,
		BackoffMax:        120 * time.Second,
		BackoffStep:       time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.Queue == "":
		return errors.New("queue name is required")
	case len(c.Endpoints) == 0:
		return errors.New("at least one endpoint is required")
	case len(c.Tasks) == 0:
		return errors.New("at least one task is required")
	case c.MaxTries < 0:
		return fmt.Errorf("max tries must be >= 0, got %d", c.MaxTries)
	case c.MGetItems < 0:
		return fmt.Errorf("mget items must be >= 0, got %d", c.MGetItems)
	case c.RequeueDelay < 0, c.SleepFailedQueue < 0, c.SleepQueueEmpty < 0, c.SleepRequeue < 0:
		return errors.New("delays must not be negative")
	}
	for name, t := range c.Tasks {
		if name == "" {
			return errors.New("task name must not be empty")
		}
		if t == nil {
			return fmt.Errorf("task %q has no function", name)
		}
	}
	return nil
}

// Option customizes a Reader.
type Option func(*Reader)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(r *Reader) { r.clock = c }
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// WithSink replaces the file dead-letter sink.
func WithSink(s deadletter.Sink) Option {
	return func(r *Reader) { r.sink = s }
}

// WithMirrors copies every dead letter to extra sinks; their failures are
// logged only.
func WithMirrors(sinks ...deadletter.Sink) Option {
	return func(r *Reader) { r.mirrors = append(r.mirrors, sinks...) }
}

// WithPoolOptions configures the endpoint pool.
func WithPoolOptions(opts ...hostpool.Option) Option {
	return func(r *Reader) { r.poolOpts = append(r.poolOpts, opts...) }
}

// Reader consumes one queue. It handles one message at a time.
type Reader struct {
	cfg       Config
	transport queue.Transport
	pool      *hostpool.Pool
	sink      deadletter.Sink
	mirrors   []deadletter.Sink
	poolOpts  []hostpool.Option
	clock     Clock
	logger    *logging.Logger

	taskNames  []string
	timers     map[string]*backoff.Timer
	preprocess *backoff.Timer

	mu        sync.Mutex
	lastBeat  time.Time
	handled   uint64
	deadCount int64
}

// New builds a Reader for cfg reading through transport.
func New(cfg Config, transport queue.Transport, opts ...Option) (*Reader, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("reader config: %w", err)
	}
	if transport == nil {
		return nil, errors.New("reader config: transport is required")
	}

	r := &Reader{
		cfg:       cfg,
		transport: transport,
		clock:     systemClock{},
		timers:    make(map[string]*backoff.Timer, len(cfg.Tasks)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.New("queuereader")
	}
	r.logger = r.logger.ForQueue(cfg.Queue)

	pool, err := hostpool.New(cfg.Endpoints, append([]hostpool.Option{hostpool.WithClock(r.clock.Now)}, r.poolOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("reader endpoints: %w", err)
	}
	r.pool = pool

	if r.sink == nil {
		fs, err := deadletter.NewFileSink(cfg.DeadLetterDir, cfg.FailedCount)
		if err != nil {
			return nil, err
		}
		r.sink = fs
		r.logger.Plain().WithField("dir", fs.Dir()).Info("dead letters will be written to disk")
	}
	r.sink = deadletter.Tee(r.logger, r.sink, r.mirrors...)
	r.deadCount = cfg.FailedCount

	for name := range cfg.Tasks {
		r.taskNames = append(r.taskNames, name)
		r.timers[name] = backoff.New(cfg.BackoffMin, cfg.BackoffMax, cfg.BackoffStep)
	}
	sort.Strings(r.taskNames)
	r.preprocess = backoff.New(cfg.BackoffMin, cfg.BackoffMax, cfg.BackoffStep)

	return r, nil
}

// Run consumes messages until ctx is cancelled. It returns nil on shutdown
// and an error when handling a fetched batch fails unexpectedly.
func (r *Reader) Run(ctx context.Context) error {
	r.logger.Plain().WithFields(map[string]any{
		"endpoints": r.cfg.Endpoints,
		"tasks":     r.taskNames,
	}).Info("starting reader")

	for {
		if ctx.Err() != nil {
			r.logger.Plain().Info("reader stopped")
			return nil
		}

		r.heartbeat()

		batch, err := r.fetch(context.WithoutCancel(ctx))
		if err != nil {
			r.logger.Plain().WithError(err).Error("queue get failed")
			metrics.RecordFetchError(r.cfg.Queue)
			r.clock.Sleep(ctx, r.cfg.SleepFailedQueue)
			continue
		}
		if len(batch) == 0 {
			r.clock.Sleep(ctx, r.cfg.SleepQueueEmpty)
			continue
		}

		for _, raw := range batch {
			if err := r.safeHandle(ctx, raw); err != nil {
				r.logger.Plain().WithError(err).WithField("raw", string(raw)).Error("failed to handle message, exiting")
				return fmt.Errorf("handle message: %w", err)
			}
		}
	}
}

func (r *Reader) safeHandle(ctx context.Context, raw []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.handleMessage(ctx, raw)
}

// fetch pulls one message, or a batch when MGetItems is set.
func (r *Reader) fetch(ctx context.Context) ([][]byte, error) {
	ep := r.pool.Get()

	var (
		b   []byte
		err error
	)
	if r.cfg.MGetItems > 0 {
		b, err = r.transport.MGet(ctx, ep, r.cfg.MGetItems)
	} else {
		b, err = r.transport.Get(ctx, ep)
	}
	if err != nil {
		r.pool.Failed(ep)
		metrics.RecordEndpointFailure(ep, "get")
		return nil, err
	}
	r.pool.Success(ep)

	if r.cfg.MGetItems > 0 {
		return queue.SplitBatch(b), nil
	}
	if len(b) == 0 {
		return nil, nil
	}
	return [][]byte{b}, nil
}

// put enqueues data, trying each endpoint at most once.
func (r *Reader) put(ctx context.Context, data []byte) error {
	_, err := queue.PutAny(ctx, r.transport, r.pool, data, func(ep string, err error) {
		metrics.RecordEndpointFailure(ep, "put")
		r.logger.Plain().WithEndpoint(ep).WithError(err).Warn("queue put failed")
	})
	return err
}

// heartbeat touches the heartbeat file once per interval. Failures are logged.
func (r *Reader) heartbeat() {
	now := r.clock.Now()

	r.mu.Lock()
	due := r.lastBeat.IsZero() || now.Sub(r.lastBeat) >= r.cfg.HeartbeatInterval
	if due {
		r.lastBeat = now
	}
	r.mu.Unlock()

	if !due || r.cfg.HeartbeatFile == "" {
		return
	}
	if err := touch(r.cfg.HeartbeatFile, now); err != nil {
		r.logger.Plain().WithError(err).WithField("file", r.cfg.HeartbeatFile).Warn("failed touching heartbeat file")
	}
}

func touch(path string, now time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, now, now)
}

// endProcessingSleep waits for the largest interval across all timers.
func (r *Reader) endProcessingSleep(ctx context.Context) {
	timers := make([]*backoff.Timer, 0, len(r.timers)+1)
	timers = append(timers, r.preprocess)
	for _, name := range r.taskNames {
		timers = append(timers, r.timers[name])
	}
	d := backoff.Max(timers...)
	if d <= 0 {
		return
	}
	r.logger.Plain().WithField("seconds", d.Seconds()).Info("backing off")
	r.clock.Sleep(ctx, d)
}

// Status is a point-in-time view of the reader for health reporting.
type Status struct {
	Queue             string                    `json:"queue"`
	LastHeartbeat     time.Time                 `json:"last_heartbeat"`
	HeartbeatInterval time.Duration             `json:"heartbeat_interval"`
	Handled           uint64                    `json:"handled"`
	DeadLetters       int64                     `json:"dead_letters"`
	Backoff           map[string]time.Duration  `json:"backoff"`
	Endpoints         []hostpool.EndpointStatus `json:"endpoints"`
}

// PreprocessKey names the preprocess timer in Status.Backoff.
const PreprocessKey = "__preprocess"

func (r *Reader) Status() Status {
	r.mu.Lock()
	st := Status{
		Queue:             r.cfg.Queue,
		LastHeartbeat:     r.lastBeat,
		HeartbeatInterval: r.cfg.HeartbeatInterval,
		Handled:           r.handled,
		DeadLetters:       r.deadCount,
	}
	r.mu.Unlock()

	st.Backoff = make(map[string]time.Duration, len(r.timers)+1)
	for name, t := range r.timers {
		st.Backoff[name] = t.Interval()
	}
	st.Backoff[PreprocessKey] = r.preprocess.Interval()
	st.Endpoints = r.pool.Status()
	return st
}

// Tasks returns the configured task names in sorted order.
func (r *Reader) Tasks() []string {
	return append([]string(nil), r.taskNames...)
}
