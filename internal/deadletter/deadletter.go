// Package deadletter stores messages the reader gives up on.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/austindbirch/queuereader/internal/envelope"
	"github.com/austindbirch/queuereader/internal/logging"
)

const RecordType = "message.dlq"

// Reasons a message is dead-lettered.
const (
	ReasonInvalid       = "invalid"
	ReasonMaxTries      = "max_tries"
	ReasonRequeueFailed = "requeue_failed"
)

// Entry is one message being dead-lettered. Raw is set for undecodable input,
// Envelope otherwise.
type Entry struct {
	Queue    string
	Reason   string
	At       time.Time
	Raw      []byte
	Envelope *envelope.Envelope
}

// Tries returns the envelope's try count, or 0 for raw entries.
func (e Entry) Tries() int {
	if e.Envelope == nil {
		return 0
	}
	return e.Envelope.Tries
}

// Sink persists dead-lettered messages.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Record is the published form of an Entry.
type Record struct {
	Type      string             `json:"type"`    // "message.dlq"
	Version   string             `json:"version"` // schema version
	At        string             `json:"at"`      // RFC3339 time the entry was written
	Queue     string             `json:"queue"`
	Reason    string             `json:"reason"`
	Tries     int                `json:"tries"`
	MessageID string             `json:"message_id,omitempty"`
	Envelope  *envelope.Envelope `json:"envelope,omitempty"`
	Raw       string             `json:"raw,omitempty"` // undecodable input, verbatim
}

func NewRecord(e Entry) Record {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	r := Record{
		Type:     RecordType,
		Version:  "v1",
		At:       at.UTC().Format(time.RFC3339Nano),
		Queue:    e.Queue,
		Reason:   e.Reason,
		Tries:    e.Tries(),
		Envelope: e.Envelope,
	}
	if e.Envelope != nil {
		r.MessageID = e.Envelope.ID
	} else {
		r.Raw = string(e.Raw)
	}
	return r
}

// Marshal encodes the record as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

type tee struct {
	primary Sink
	mirrors []Sink
	logger  *logging.Logger
}

// Tee writes to primary and then to each mirror. Only primary errors are
// returned; mirror failures are logged.
func Tee(logger *logging.Logger, primary Sink, mirrors ...Sink) Sink {
	if len(mirrors) == 0 {
		return primary
	}
	return &tee{primary: primary, mirrors: mirrors, logger: logger}
}

func (t *tee) Write(ctx context.Context, e Entry) error {
	if err := t.primary.Write(ctx, e); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Write(ctx, e); err != nil {
			t.logger.WithContext(ctx).WithQueue(e.Queue).WithField("reason", e.Reason).
				WithError(err).Warn("dead-letter mirror failed")
		}
	}
	return nil
}
