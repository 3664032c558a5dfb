package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the queue in a Redis list: RPUSH to enqueue, LPOP to dequeue.
// Endpoints are redis:// or rediss:// URLs; one client is kept per endpoint.
type Redis struct {
	key string

	mu      sync.Mutex
	clients map[string]redis.Cmdable
	dial    func(endpoint string) (redis.Cmdable, error)
}

// NewRedis returns a Redis transport that stores messages under key.
func NewRedis(key string) *Redis {
	return &Redis{
		key:     key,
		clients: make(map[string]redis.Cmdable),
		dial: func(endpoint string) (redis.Cmdable, error) {
			opts, err := redis.ParseURL(endpoint)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(opts), nil
		},
	}
}

// Key returns the list key messages are stored under.
func (r *Redis) Key() string { return r.key }

func (r *Redis) client(endpoint string) (redis.Cmdable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[endpoint]; ok {
		return c, nil
	}
	c, err := r.dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("redis endpoint %s: %w", endpoint, err)
	}
	r.clients[endpoint] = c
	return c, nil
}

func (r *Redis) Get(ctx context.Context, endpoint string) ([]byte, error) {
	c, err := r.client(endpoint)
	if err != nil {
		return nil, err
	}
	b, err := c.LPop(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s lpop: %w", endpoint, err)
	}
	return b, nil
}

func (r *Redis) MGet(ctx context.Context, endpoint string, items int) ([]byte, error) {
	c, err := r.client(endpoint)
	if err != nil {
		return nil, err
	}
	vals, err := c.LPopCount(ctx, r.key, items).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s lpop %d: %w", endpoint, items, err)
	}
	var buf bytes.Buffer
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(v)
	}
	return buf.Bytes(), nil
}

func (r *Redis) Put(ctx context.Context, endpoint string, data []byte) error {
	c, err := r.client(endpoint)
	if err != nil {
		return err
	}
	if err := c.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("%s rpush: %w", endpoint, err)
	}
	return nil
}

func (r *Redis) Stats(ctx context.Context, endpoint string) (Stats, error) {
	c, err := r.client(endpoint)
	if err != nil {
		return Stats{}, err
	}
	n, err := c.LLen(ctx, r.key).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%s llen: %w", endpoint, err)
	}
	return Stats{Depth: n, Raw: map[string]int64{"depth": n}}, nil
}

// Dump returns the whole list without removing anything.
func (r *Redis) Dump(ctx context.Context, endpoint string) ([][]byte, error) {
	c, err := r.client(endpoint)
	if err != nil {
		return nil, err
	}
	items, err := c.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%s lrange: %w", endpoint, err)
	}
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = []byte(it)
	}
	return out, nil
}

// Close releases every client opened so far.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for ep, c := range r.clients {
		if closer, ok := c.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			}
		}
		delete(r.clients, ep)
	}
	return errors.Join(errs...)
}
