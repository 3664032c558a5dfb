package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/austindbirch/queuereader/internal/hostpool"
	"github.com/austindbirch/queuereader/internal/reader"
)

// StatusSource reports the reader's state.
type StatusSource interface {
	Status() reader.Status
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK          bool                      `json:"ok"`
	Message     string                    `json:"message,omitempty"`
	Queue       string                    `json:"queue,omitempty"`
	Heartbeat   *time.Time                `json:"heartbeat,omitempty"`
	Handled     uint64                    `json:"handled"`
	DeadLetters int64                     `json:"dead_letters"`
	Backoff     map[string]float64        `json:"backoff_seconds,omitempty"`
	Endpoints   []hostpool.EndpointStatus `json:"endpoints,omitempty"`
	Database    bool                      `json:"database,omitempty"`
}

// Handler serves the reader's health as JSON. It answers 503 when the loop
// has stopped heartbeating, when every endpoint is unhealthy, or when the
// database does not answer a ping.
type Handler struct {
	Source StatusSource
	DB     Pinger // optional
	Now    func() time.Time
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(src StatusSource, db Pinger) http.Handler {
	return Handler{Source: src, DB: db}
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	st := Status{OK: true, Message: "ok"}
	if h.Source != nil {
		rs := h.Source.Status()
		st.Queue = rs.Queue
		st.Handled = rs.Handled
		st.DeadLetters = rs.DeadLetters
		st.Endpoints = rs.Endpoints
		st.Backoff = make(map[string]float64, len(rs.Backoff))
		var slowest time.Duration
		for name, d := range rs.Backoff {
			st.Backoff[name] = d.Seconds()
			slowest = max(slowest, d)
		}

		switch {
		case rs.LastHeartbeat.IsZero():
			st.Message = "starting"
		case now().Sub(rs.LastHeartbeat) > 3*rs.HeartbeatInterval+slowest:
			st.OK = false
			st.Message = "heartbeat stale"
		}
		if !rs.LastHeartbeat.IsZero() {
			hb := rs.LastHeartbeat
			st.Heartbeat = &hb
		}

		if st.OK && len(rs.Endpoints) > 0 && !anyHealthy(rs.Endpoints) {
			st.OK = false
			st.Message = "all endpoints unhealthy"
		}
	}

	if h.DB != nil {
		st.Database = true
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			st.Database = false
			if st.OK {
				st.OK = false
				st.Message = "db ping failed"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !st.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

func anyHealthy(eps []hostpool.EndpointStatus) bool {
	for _, ep := range eps {
		if ep.Healthy {
			return true
		}
	}
	return false
}
