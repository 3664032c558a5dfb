package queue

import (
	"context"
	"errors"
	"fmt"
)

// Balancer hands out endpoints and takes health feedback for each one.
// *hostpool.Pool satisfies it.
type Balancer interface {
	Len() int
	Get() string
	Success(endpoint string)
	Failed(endpoint string)
}

// PutAny puts data on the first endpoint that accepts it, trying at most
// b.Len() endpoints, and returns that endpoint. onErr, when set, sees each
// failed attempt.
func PutAny(ctx context.Context, t Transport, b Balancer, data []byte, onErr func(endpoint string, err error)) (string, error) {
	var errs []error
	for i := 0; i < b.Len(); i++ {
		ep := b.Get()
		if err := t.Put(ctx, ep, data); err != nil {
			b.Failed(ep)
			if onErr != nil {
				onErr(ep, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		b.Success(ep)
		return ep, nil
	}
	if len(errs) == 0 {
		return "", errors.New("put: no endpoints")
	}
	return "", fmt.Errorf("put failed on every endpoint: %w", errors.Join(errs...))
}
