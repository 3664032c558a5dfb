// Package hostpool selects among equivalent queue endpoints and routes
// around the ones that are currently failing.
package hostpool

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrNoEndpoints is returned when a pool is created without addresses.
var ErrNoEndpoints = errors.New("hostpool: no endpoints")

// Mode controls how the next candidate endpoint is chosen.
type Mode int

const (
	RoundRobin Mode = iota
	Random
)

type endpoint struct {
	addr       string
	alive      bool
	retryCount int
	retryDelay time.Duration
	nextRetry  time.Time
	failures   uint64
	successes  uint64
}

// EndpointStatus is a point-in-time view of one endpoint's health.
type EndpointStatus struct {
	Address   string    `json:"address"`
	Healthy   bool      `json:"healthy"`
	NextRetry time.Time `json:"next_retry,omitempty"`
	Failures  uint64    `json:"failures"`
	Successes uint64    `json:"successes"`
}

// Pool is a set of interchangeable endpoints with independent health tracking.
// Every Get must be paired by the caller with exactly one Success or Failed.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	index     map[string]*endpoint
	current   int

	mode             Mode
	retryFailedHosts int
	retryInterval    time.Duration
	maxRetryInterval time.Duration
	resetOnAllFailed bool
	now              func() time.Time
	rand             *rand.Rand
}

// Option configures a Pool.
type Option func(*Pool)

// WithMode sets the selection mode.
func WithMode(m Mode) Option {
	return func(p *Pool) { p.mode = m }
}

// WithRetryFailedHosts bounds how many retries an unhealthy endpoint gets per
// failure episode. -1 means unbounded.
func WithRetryFailedHosts(n int) Option {
	return func(p *Pool) { p.retryFailedHosts = n }
}

// WithRetryInterval sets a fixed wait between retries of an unhealthy endpoint.
// Zero selects exponential growth (1s, 2s, 4s, ...) capped by max.
func WithRetryInterval(d, max time.Duration) Option {
	return func(p *Pool) {
		p.retryInterval = d
		p.maxRetryInterval = max
	}
}

// WithResetOnAllFailed controls fail-open behavior when nothing is selectable.
func WithResetOnAllFailed(reset bool) Option {
	return func(p *Pool) { p.resetOnAllFailed = reset }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRand overrides the random source used in Random mode.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rand = r }
}

// New builds a pool from addrs. Duplicate addresses are collapsed.
func New(addrs []string, opts ...Option) (*Pool, error) {
	p := &Pool{
		index:            make(map[string]*endpoint, len(addrs)),
		current:          -1,
		mode:             RoundRobin,
		retryFailedHosts: -1,
		maxRetryInterval: 60 * time.Second,
		resetOnAllFailed: true,
		now:              time.Now,
	}
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, dup := p.index[a]; dup {
			continue
		}
		ep := &endpoint{addr: a, alive: true}
		p.endpoints = append(p.endpoints, ep)
		p.index[a] = ep
	}
	if len(p.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(p.now().UnixNano()))
	}
	return p, nil
}

// Len returns the number of endpoints in the pool.
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// Get returns the endpoint to use for the next request. Healthy endpoints are
// preferred; an unhealthy endpoint whose retry window has passed is handed out
// as a retry. When nothing qualifies the pool fails open.
func (p *Pool) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	mode := p.mode
	for range p.endpoints {
		ep := p.next(mode)
		if ep.alive {
			return ep.addr
		}
		if p.retryFailedHosts == -1 || ep.retryCount <= p.retryFailedHosts {
			if !ep.nextRetry.After(now) {
				ep.retryCount++
				if p.retryInterval <= 0 {
					ep.retryDelay *= 2
					if ep.retryDelay > p.maxRetryInterval {
						ep.retryDelay = p.maxRetryInterval
					}
				} else {
					ep.retryDelay = p.retryInterval
				}
				ep.nextRetry = now.Add(ep.retryDelay)
				return ep.addr
			}
		}
		// fall back to walking the ring so every endpoint is considered once
		mode = RoundRobin
	}

	if p.resetOnAllFailed {
		for _, ep := range p.endpoints {
			ep.alive = true
		}
		return p.next(RoundRobin).addr
	}

	soonest := p.endpoints[0]
	for _, ep := range p.endpoints[1:] {
		if ep.nextRetry.Before(soonest.nextRetry) {
			soonest = ep
		}
	}
	return soonest.addr
}

func (p *Pool) next(mode Mode) *endpoint {
	switch mode {
	case Random:
		p.current = p.rand.Intn(len(p.endpoints))
	default:
		p.current = (p.current + 1) % len(p.endpoints)
	}
	return p.endpoints[p.current]
}

// Success clears any unhealthy marker for addr.
func (p *Pool) Success(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.index[addr]
	if !ok {
		return
	}
	ep.successes++
	ep.alive = true
}

// Failed marks addr unhealthy so later calls to Get deprioritize it.
func (p *Pool) Failed(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.index[addr]
	if !ok {
		return
	}
	ep.failures++
	if !ep.alive {
		return
	}
	ep.alive = false
	ep.retryCount = 0
	if p.retryInterval <= 0 {
		ep.retryDelay = time.Second
	} else {
		ep.retryDelay = p.retryInterval
	}
	ep.nextRetry = p.now().Add(ep.retryDelay)
}

// Status returns a snapshot of every endpoint in pool order.
func (p *Pool) Status() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		st := EndpointStatus{
			Address:   ep.addr,
			Healthy:   ep.alive,
			Failures:  ep.failures,
			Successes: ep.successes,
		}
		if !ep.alive {
			st.NextRetry = ep.nextRetry
		}
		out = append(out, st)
	}
	return out
}
