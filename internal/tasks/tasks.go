// Package tasks provides the task kinds the queuereader binary can run
// against each message.
package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/austindbirch/queuereader/internal/db"
	"github.com/austindbirch/queuereader/internal/deadletter"
	"github.com/austindbirch/queuereader/internal/logging"
	"github.com/austindbirch/queuereader/internal/reader"
)

// Task kind names accepted by Build.
const (
	KindLog     = "log"
	KindWebhook = "webhook"
	KindArchive = "archive"
	KindForward = "forward"
)

// Deps carries what the task kinds need. Only the dependencies of the
// requested kinds must be set.
type Deps struct {
	Logger       *logging.Logger
	Webhook      WebhookConfig
	DB           db.Execer
	Publisher    deadletter.Publisher
	ForwardTopic string
}

// Build resolves task names to tasks.
func Build(names []string, deps Deps) (map[string]reader.Task, error) {
	out := make(map[string]reader.Task, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("task %q listed twice", name)
		}

		switch name {
		case KindLog:
			out[name] = Log(deps.Logger)
		case KindWebhook:
			if deps.Webhook.URL == "" {
				return nil, fmt.Errorf("task %q: webhook url is not configured", name)
			}
			out[name] = Webhook(deps.Webhook)
		case KindArchive:
			if deps.DB == nil {
				return nil, fmt.Errorf("task %q: database is not configured", name)
			}
			out[name] = Archive(deps.DB)
		case KindForward:
			if deps.Publisher == nil || deps.ForwardTopic == "" {
				return nil, fmt.Errorf("task %q: nsq publisher or topic is not configured", name)
			}
			out[name] = Forward(deps.Publisher, deps.ForwardTopic)
		default:
			return nil, fmt.Errorf("%w: %q", reader.ErrUnknownTask, name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tasks configured")
	}
	return out, nil
}

// Log writes every message to the logger and always completes.
func Log(logger *logging.Logger) reader.Task {
	if logger == nil {
		logger = logging.New("queuereader")
	}
	return func(ctx context.Context, m reader.Message) (bool, error) {
		logger.WithContext(ctx).WithQueue(m.Queue).WithMessage(m.ID).WithFields(map[string]any{
			"tries": m.Tries,
			"data":  string(m.Data),
		}).Info("message received")
		return true, nil
	}
}

// Archive stores each message in queuereader.archive. Re-archiving the same
// message is a no-op.
func Archive(conn db.Execer) reader.Task {
	return func(ctx context.Context, m reader.Message) (bool, error) {
		_, err := conn.Exec(ctx, `
			INSERT INTO queuereader.archive(queue, message_id, tries, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (queue, message_id) DO NOTHING`,
			m.Queue, m.ID, m.Tries, string(m.Data))
		if err != nil {
			return false, fmt.Errorf("archive insert: %w", err)
		}
		return true, nil
	}
}

// Forward publishes the payload to an NSQ topic.
func Forward(pub deadletter.Publisher, topic string) reader.Task {
	return func(ctx context.Context, m reader.Message) (bool, error) {
		if err := pub.Publish(topic, m.Data); err != nil {
			return false, fmt.Errorf("publish %s: %w", topic, err)
		}
		return true, nil
	}
}
