package reader

import (
	"context"
	"os"
	"sync"

	"github.com/austindbirch/queuereader/internal/logging"
)

// Shutdown escalates termination requests: the first cancels the reader's
// context so it stops at the next iteration boundary, the second aborts.
type Shutdown struct {
	cancel context.CancelFunc
	abort  func()
	logger *logging.Logger

	mu        sync.Mutex
	requested bool
}

// NewShutdown returns a Shutdown driving cancel and abort. A nil abort exits
// the process with status 1.
func NewShutdown(cancel context.CancelFunc, abort func(), logger *logging.Logger) *Shutdown {
	if abort == nil {
		abort = func() { os.Exit(1) }
	}
	if logger == nil {
		logger = logging.New("queuereader")
	}
	return &Shutdown{cancel: cancel, abort: abort, logger: logger}
}

// Request records one termination request.
func (s *Shutdown) Request() {
	s.mu.Lock()
	again := s.requested
	s.requested = true
	s.mu.Unlock()

	if again {
		s.logger.Plain().Warn("already waiting for exit, aborting")
		s.abort()
		return
	}
	s.logger.Plain().Info("shutdown requested, finishing current batch")
	s.cancel()
}

// Requested reports whether a request has been seen.
func (s *Shutdown) Requested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Watch turns every signal received on sigs into a Request. It returns when
// sigs is closed.
func (s *Shutdown) Watch(sigs <-chan os.Signal) {
	for sig := range sigs {
		s.logger.Plain().WithField("signal", sig.String()).Info("termination signal received")
		s.Request()
	}
}
