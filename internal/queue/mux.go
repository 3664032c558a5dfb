package queue

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Mux routes each endpoint to a transport by URL scheme.
type Mux struct {
	schemes map[string]Transport
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Transport)}
}

// Handle registers t for the given schemes.
func (m *Mux) Handle(t Transport, schemes ...string) *Mux {
	for _, s := range schemes {
		m.schemes[strings.ToLower(s)] = t
	}
	return m
}

// Resolve returns the transport for endpoint.
func (m *Mux) Resolve(endpoint string) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedEndpoint, endpoint, err)
	}
	t, ok := m.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, endpoint)
	}
	return t, nil
}

// Validate checks every endpoint has a transport.
func (m *Mux) Validate(endpoints []string) error {
	for _, ep := range endpoints {
		if _, err := m.Resolve(ep); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mux) Get(ctx context.Context, endpoint string) ([]byte, error) {
	t, err := m.Resolve(endpoint)
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, endpoint)
}

func (m *Mux) MGet(ctx context.Context, endpoint string, items int) ([]byte, error) {
	t, err := m.Resolve(endpoint)
	if err != nil {
		return nil, err
	}
	return t.MGet(ctx, endpoint, items)
}

func (m *Mux) Put(ctx context.Context, endpoint string, data []byte) error {
	t, err := m.Resolve(endpoint)
	if err != nil {
		return err
	}
	return t.Put(ctx, endpoint, data)
}

func (m *Mux) Stats(ctx context.Context, endpoint string) (Stats, error) {
	t, err := m.Resolve(endpoint)
	if err != nil {
		return Stats{}, err
	}
	return t.Stats(ctx, endpoint)
}

// Dump lists the endpoint's messages when its transport is a Dumper.
func (m *Mux) Dump(ctx context.Context, endpoint string) ([][]byte, error) {
	t, err := m.Resolve(endpoint)
	if err != nil {
		return nil, err
	}
	d, ok := t.(Dumper)
	if !ok {
		return nil, fmt.Errorf("%w: dump on %s", ErrUnsupportedOperation, endpoint)
	}
	return d.Dump(ctx, endpoint)
}

// ResetStats resets the endpoint's counters when its transport is a
// StatsResetter.
func (m *Mux) ResetStats(ctx context.Context, endpoint string) (Stats, error) {
	t, err := m.Resolve(endpoint)
	if err != nil {
		return Stats{}, err
	}
	r, ok := t.(StatsResetter)
	if !ok {
		return Stats{}, fmt.Errorf("%w: stats reset on %s", ErrUnsupportedOperation, endpoint)
	}
	return r.ResetStats(ctx, endpoint)
}

// Default returns a Mux serving http(s) endpoints with the simplequeue
// protocol and redis(s) endpoints with a Redis list named key.
func Default(key string) *Mux {
	return NewMux().
		Handle(NewHTTP(nil), "http", "https").
		Handle(NewRedis(key), "redis", "rediss")
}
