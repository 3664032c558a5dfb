package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTP speaks the simplequeue protocol: GET /get, /mget?items=N,
// /put?data=..., /stats.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns an HTTP transport. A nil client gets a 5s timeout default.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTP{client: client}
}

func (h *HTTP) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return h.fetch(ctx, endpoint, "/get", nil)
}

func (h *HTTP) MGet(ctx context.Context, endpoint string, items int) ([]byte, error) {
	return h.fetch(ctx, endpoint, "/mget", url.Values{"items": {strconv.Itoa(items)}})
}

func (h *HTTP) Put(ctx context.Context, endpoint string, data []byte) error {
	_, err := h.fetch(ctx, endpoint, "/put", url.Values{"data": {string(data)}})
	return err
}

func (h *HTTP) Stats(ctx context.Context, endpoint string) (Stats, error) {
	b, err := h.fetch(ctx, endpoint, "/stats", nil)
	if err != nil {
		return Stats{}, err
	}
	return ParseStats(b), nil
}

// ResetStats returns the counters and resets puts, gets and the high-water
// mark on the server.
func (h *HTTP) ResetStats(ctx context.Context, endpoint string) (Stats, error) {
	b, err := h.fetch(ctx, endpoint, "/stats", url.Values{"reset": {"1"}})
	if err != nil {
		return Stats{}, err
	}
	return ParseStats(b), nil
}

// Dump returns every queued message without removing them.
func (h *HTTP) Dump(ctx context.Context, endpoint string) ([][]byte, error) {
	b, err := h.fetch(ctx, endpoint, "/dump", nil)
	if err != nil {
		return nil, err
	}
	return SplitBatch(b), nil
}

func (h *HTTP) fetch(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	u := strings.TrimRight(endpoint, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", endpoint, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", endpoint, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %d", endpoint, path, resp.StatusCode)
	}
	return body, nil
}
