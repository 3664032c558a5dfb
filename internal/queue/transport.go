// Package queue holds the clients for the remote work queues the reader
// pulls from and requeues to.
package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedEndpoint is returned when no transport handles an endpoint.
	ErrUnsupportedEndpoint = errors.New("queue: unsupported endpoint")

	// ErrUnsupportedOperation is returned for an optional operation the
	// endpoint's transport does not offer.
	ErrUnsupportedOperation = errors.New("queue: operation not supported")
)

// Transport talks to one queue endpoint per call. An empty result with a nil
// error means the queue had nothing to hand out.
type Transport interface {
	Get(ctx context.Context, endpoint string) ([]byte, error)
	MGet(ctx context.Context, endpoint string, items int) ([]byte, error)
	Put(ctx context.Context, endpoint string, data []byte) error
	Stats(ctx context.Context, endpoint string) (Stats, error)
}

// Dumper lists queued messages without removing them.
type Dumper interface {
	Dump(ctx context.Context, endpoint string) ([][]byte, error)
}

// StatsResetter returns the endpoint's counters and zeroes them.
type StatsResetter interface {
	ResetStats(ctx context.Context, endpoint string) (Stats, error)
}

// Stats is the counter set reported by a queue endpoint.
type Stats struct {
	Puts           int64            `json:"puts"`
	Gets           int64            `json:"gets"`
	Depth          int64            `json:"depth"`
	DepthHighWater int64            `json:"depth_high_water"`
	Raw            map[string]int64 `json:"raw,omitempty"`
}

// ParseStats reads "key:value" lines. Unknown numeric keys land in Raw,
// malformed lines are skipped.
func ParseStats(b []byte) Stats {
	st := Stats{Raw: make(map[string]int64)}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			continue
		}
		key = strings.TrimSpace(key)
		st.Raw[key] = n
		switch key {
		case "puts":
			st.Puts = n
		case "gets":
			st.Gets = n
		case "depth":
			st.Depth = n
		case "depth_high_water":
			st.DepthHighWater = n
		}
	}
	return st
}

// SplitBatch splits a batch fetch response into individual messages, dropping
// blank lines.
func SplitBatch(b []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(b, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}
