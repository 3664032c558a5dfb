package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int
}

type NSQ struct {
	NsqdTCPAddr  string // e.g. nsqd:4150
	NsqdHTTPAddr string // e.g. nsqd:4151
	DLQTopic     string // topic dead letters are mirrored to
	PublishDLQ   bool   // whether to mirror dead letters to DLQTopic
	ForwardTopic string // topic used by the forward task
}

type Reader struct {
	Queue             string
	Endpoints         []string // queue endpoints, http(s):// or redis(s)://
	Tasks             []string // task kinds to run, see internal/tasks
	RedisKey          string   // list key for redis endpoints, defaults to Queue
	MaxTries          int
	RequeueDelay      time.Duration
	SleepFailedQueue  time.Duration
	SleepQueueEmpty   time.Duration
	SleepRequeue      time.Duration
	MGetItems         int
	DeadLetterDir     string
	FailedCount       int64
	HeartbeatFile     string
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffStep       time.Duration
}

type HostPool struct {
	Mode             string        // "round_robin" or "random"
	RetryFailedHosts int           // retries per failure episode, -1 unbounded
	RetryInterval    time.Duration // fixed retry interval, 0 for exponential
	MaxRetryInterval time.Duration // cap for exponential probing
	ResetOnAllFailed bool
}

type Webhook struct {
	URL       string
	Secret    string
	JWTKey    string
	JWTIssuer string
	Timeout   time.Duration
}

type Monitor struct {
	PollInterval time.Duration
	HTTPPort     string
}

type FakeQueue struct {
	FailFirstN      int           // Number of requests to fail initially
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName   string
	HTTPPort  string // health and metrics, :8082
	DB        DB
	NSQ       NSQ
	Reader    Reader
	HostPool  HostPool
	Webhook   Webhook
	Monitor   Monitor
	FakeQueue FakeQueue
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma separated value, dropping blanks.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return SplitList(v)
}

// SplitList splits s on commas and trims each element, dropping blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func FromEnv() Config {
	queue := getenv("QUEUE_NAME", "default")
	return Config{
		AppName:  getenv("APP_NAME", "queuereader"),
		HTTPPort: getenv("HTTP_PORT", ":8082"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "queuereader"),
			MaxConns: getenvInt("DB_MAX_CONNS", 10),
		},
		NSQ: NSQ{
			NsqdTCPAddr:  getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			DLQTopic:     getenv("NSQ_DLQ_TOPIC", "queuereader_dlq"),
			PublishDLQ:   getenvBool("PUBLISH_DLQ_TOPIC", false),
			ForwardTopic: getenv("NSQ_FORWARD_TOPIC", ""),
		},
		Reader: Reader{
			Queue:             queue,
			Endpoints:         getenvList("QUEUE_ENDPOINTS", []string{"http://127.0.0.1:8080"}),
			Tasks:             getenvList("TASKS", []string{"log"}),
			RedisKey:          getenv("REDIS_KEY", queue),
			MaxTries:          getenvInt("MAX_TRIES", 5),
			RequeueDelay:      getenvDuration("REQUEUE_DELAY", 90*time.Second),
			SleepFailedQueue:  getenvDuration("SLEEP_FAILED_QUEUE", 5*time.Second),
			SleepQueueEmpty:   getenvDuration("SLEEP_QUEUE_EMPTY", 500*time.Millisecond),
			SleepRequeue:      getenvDuration("SLEEP_REQUEUE", time.Second),
			MGetItems:         getenvInt("MGET_ITEMS", 0),
			DeadLetterDir:     getenv("DEAD_LETTER_DIR", ""),
			FailedCount:       getenvInt64("FAILED_COUNT", 0),
			HeartbeatFile:     getenv("HEARTBEAT_FILE", ""),
			HeartbeatInterval: getenvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
			BackoffMin:        getenvDuration("BACKOFF_MIN", 0),
			BackoffMax:        getenvDuration("BACKOFF_MAX", 120*time.Second),
			BackoffStep:       getenvDuration("BACKOFF_STEP", time.Second),
		},
		HostPool: HostPool{
			Mode:             getenv("HOSTPOOL_MODE", "round_robin"),
			RetryFailedHosts: getenvInt("HOSTPOOL_RETRY_FAILED_HOSTS", -1),
			RetryInterval:    getenvDuration("HOSTPOOL_RETRY_INTERVAL", 0),
			MaxRetryInterval: getenvDuration("HOSTPOOL_MAX_RETRY_INTERVAL", 60*time.Second),
			ResetOnAllFailed: getenvBool("HOSTPOOL_RESET_ON_ALL_FAILED", true),
		},
		Webhook: Webhook{
			URL:       getenv("WEBHOOK_URL", ""),
			Secret:    getenv("WEBHOOK_SECRET", ""),
			JWTKey:    getenv("WEBHOOK_JWT_KEY", ""),
			JWTIssuer: getenv("WEBHOOK_JWT_ISSUER", "queuereader"),
			Timeout:   getenvDuration("WEBHOOK_TIMEOUT", 15*time.Second),
		},
		Monitor: Monitor{
			PollInterval: getenvDuration("MONITOR_POLL_INTERVAL", 15*time.Second),
			HTTPPort:     getenv("MONITOR_HTTP_PORT", ":8083"),
		},
		FakeQueue: FakeQueue{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_QUEUE_PORT", ":8080"),
			ReadTimeout:     getenvDuration("FAKE_QUEUE_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_QUEUE_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_QUEUE_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
