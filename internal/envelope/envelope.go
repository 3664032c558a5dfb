// Package envelope defines the durable wrapper carried through the queue
// around every payload: retry bookkeeping plus the tasks still outstanding.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/segmentio/ksuid"
)

// ErrInvalid is returned by Decode when the raw bytes are not usable JSON.
var ErrInvalid = errors.New("envelope: invalid message")

// maxUnixSeconds bounds timestamps to what time.Time holds in nanoseconds.
const maxUnixSeconds = math.MaxInt64 / 1e9

// Time is a point in time encoded as Unix seconds, or null when zero.
type Time struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Time { return Time{Time: t} }

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	secs := float64(t.UnixMicro()) / 1e6
	return []byte(strconv.FormatFloat(secs, 'f', -1, 64)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	if isFalsy(b) {
		t.Time = time.Time{}
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("unix timestamp: %w", err)
	}
	if math.IsNaN(secs) || math.Abs(secs) > maxUnixSeconds {
		return fmt.Errorf("unix timestamp %s out of range", b)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

// Envelope wraps a payload with the state the reader needs to retry it.
type Envelope struct {
	ID           string            `json:"id,omitempty"`
	Data         json.RawMessage   `json:"data"`
	Tries        int               `json:"tries"`
	RetryOn      Time              `json:"retry_on"`
	Started      Time              `json:"started"`
	TasksLeft    []string          `json:"tasks_left"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Wrap creates a fresh envelope around data.
func Wrap(data json.RawMessage, tasks []string, now time.Time) *Envelope {
	return &Envelope{
		ID:        ksuid.New().String(),
		Data:      data,
		Started:   At(now.Truncate(time.Second)),
		TasksLeft: slices.Clone(tasks),
	}
}

// Decode parses raw queue bytes. Values without envelope metadata are wrapped
// fresh, and a missing task list is filled with allTasks so producers that do
// not know this reader's tasks can still enqueue work for it.
func Decode(raw []byte, allTasks []string, now time.Time) (*Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, ErrInvalid
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || isFalsy(fields["data"]) {
		// not an object, or an object without a payload: treat it as the payload
		return Wrap(json.RawMessage(slices.Clone(raw)), allTasks, now), nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, ok := fields["tasks_left"]; !ok {
		env.TasksLeft = slices.Clone(allTasks)
	} else if env.TasksLeft == nil {
		env.TasksLeft = []string{}
	}
	if env.ID == "" {
		env.ID = ksuid.New().String()
	}
	return &env, nil
}

// Encode returns the JSON form of the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Done reports whether every task has completed.
func (e *Envelope) Done() bool {
	return len(e.TasksLeft) == 0
}

// Deferred reports whether the envelope is not yet eligible at now.
func (e *Envelope) Deferred(now time.Time) bool {
	return !e.RetryOn.IsZero() && e.RetryOn.After(now)
}

// Outstanding returns a copy of the tasks still to run, safe to iterate while
// tasks complete.
func (e *Envelope) Outstanding() []string {
	return slices.Clone(e.TasksLeft)
}

// Complete removes task from the outstanding set.
func (e *Envelope) Complete(task string) {
	e.TasksLeft = slices.DeleteFunc(e.TasksLeft, func(t string) bool { return t == task })
}

// ScheduleRetry sets RetryOn to now plus delay.
func (e *Envelope) ScheduleRetry(now time.Time, delay time.Duration) {
	e.RetryOn = At(now.Add(delay))
}

// isFalsy matches the JSON values a producer may use to mean "absent".
func isFalsy(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "", "null", "false", `""`, "{}", "[]":
		return true
	}
	if c := b[0]; c == '-' || (c >= '0' && c <= '9') {
		var n float64
		return json.Unmarshal(b, &n) == nil && n == 0
	}
	return false
}
