package cmd

import (
	"context"

	"github.com/austindbirch/queuereader/internal/config"
	"github.com/austindbirch/queuereader/internal/hostpool"
	"github.com/austindbirch/queuereader/internal/queue"
)

// client is what the one-shot commands need to reach the queue.
type client struct {
	transport queue.Transport
	pool      *hostpool.Pool
}

func newClient(cfg config.Config) (*client, error) {
	mux := queue.Default(cfg.Reader.RedisKey)
	if err := mux.Validate(cfg.Reader.Endpoints); err != nil {
		return nil, err
	}
	pool, err := hostpool.New(cfg.Reader.Endpoints, poolOptions(cfg.HostPool)...)
	if err != nil {
		return nil, err
	}
	return &client{transport: mux, pool: pool}, nil
}

// put enqueues data on the first endpoint that accepts it and returns that
// endpoint.
func (c *client) put(ctx context.Context, data []byte) (string, error) {
	return queue.PutAny(ctx, c.transport, c.pool, data, nil)
}
