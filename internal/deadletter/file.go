package deadletter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// FileSink writes one file per entry under <dir>/<queue>/.
type FileSink struct {
	dir string

	mu  sync.Mutex
	seq int64
}

// NewFileSink returns a sink rooted at dir, creating it if needed. An empty
// dir means a fresh directory under the OS temp dir. seq seeds the failure
// counter used in file names.
func NewFileSink(dir string, seq int64) (*FileSink, error) {
	if dir == "" {
		d, err := os.MkdirTemp("", "queuereader-dlq-")
		if err != nil {
			return nil, fmt.Errorf("create dead-letter dir: %w", err)
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".writable-")
	if err != nil {
		return nil, fmt.Errorf("dead-letter dir %s not writable: %w", dir, err)
	}
	f.Close()
	os.Remove(f.Name())

	return &FileSink{dir: dir, seq: seq}, nil
}

// Dir returns the sink's root directory.
func (s *FileSink) Dir() string { return s.dir }

// Count returns the current value of the failure counter.
func (s *FileSink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *FileSink) Write(ctx context.Context, e Entry) error {
	body := e.Raw
	if e.Envelope != nil {
		b, err := e.Envelope.Encode()
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		body = b
	}

	qdir := filepath.Join(s.dir, e.Queue)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	s.seq++
	name := at.UTC().Format("20060102-150405") + "." + strconv.FormatInt(s.seq, 10) + ".json"
	s.mu.Unlock()

	path := filepath.Join(qdir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
