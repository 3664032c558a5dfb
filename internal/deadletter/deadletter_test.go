package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/queuereader/internal/envelope"
	"github.com/austindbirch/queuereader/internal/logging"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		ID:        "2d5nIzL1LQpYTTCFbhFWXhPGmS4",
		Data:      json.RawMessage(`{"url":"https://example.com"}`),
		Tries:     4,
		Started:   envelope.At(at.Add(-time.Hour)),
		TasksLeft: []string{"index"},
	}
}

func TestFileSinkWrite(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 7)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	ctx := context.Background()

	if err := sink.Write(ctx, Entry{Queue: "clicks", Reason: ReasonInvalid, At: at, Raw: []byte("not json")}); err != nil {
		t.Fatalf("Write(raw) error = %v", err)
	}
	if err := sink.Write(ctx, Entry{Queue: "clicks", Reason: ReasonMaxTries, At: at, Envelope: testEnvelope()}); err != nil {
		t.Fatalf("Write(envelope) error = %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "clicks"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	want := []string{"20240301-120000.8.json", "20240301-120000.9.json"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("files = %v, want %v", names, want)
	}

	raw, _ := os.ReadFile(filepath.Join(dir, "clicks", want[0]))
	if string(raw) != "not json" {
		t.Errorf("raw file = %q, want %q", raw, "not json")
	}

	b, _ := os.ReadFile(filepath.Join(dir, "clicks", want[1]))
	got, err := envelope.Decode(b, nil, at)
	if err != nil {
		t.Fatalf("Decode(dead letter) error = %v", err)
	}
	if got.ID != "2d5nIzL1LQpYTTCFbhFWXhPGmS4" || got.Tries != 4 {
		t.Errorf("dead letter envelope = %+v", got)
	}
	if len(got.TasksLeft) != 1 || got.TasksLeft[0] != "index" {
		t.Errorf("dead letter tasks_left = %v, want [index]", got.TasksLeft)
	}

	if sink.Count() != 9 {
		t.Errorf("Count() = %d, want 9", sink.Count())
	}
}

func TestFileSinkTempDir(t *testing.T) {
	sink, err := NewFileSink("", 0)
	if err != nil {
		t.Fatalf("NewFileSink(\"\") error = %v", err)
	}
	defer os.RemoveAll(sink.Dir())

	if !strings.HasPrefix(filepath.Base(sink.Dir()), "queuereader-dlq-") {
		t.Errorf("Dir() = %s, want a queuereader-dlq- temp dir", sink.Dir())
	}
}

func TestFileSinkUnwritable(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSink(filepath.Join(file, "sub"), 0); err == nil {
		t.Error("NewFileSink() expected error for a path below a regular file")
	}
}

func TestNewRecord(t *testing.T) {
	tests := []struct {
		name      string
		entry     Entry
		wantTries int
		wantID    string
		wantRaw   string
	}{
		{
			name:      "envelope",
			entry:     Entry{Queue: "q", Reason: ReasonMaxTries, At: at, Envelope: testEnvelope()},
			wantTries: 4,
			wantID:    "2d5nIzL1LQpYTTCFbhFWXhPGmS4",
		},
		{
			name:    "raw",
			entry:   Entry{Queue: "q", Reason: ReasonInvalid, At: at, Raw: []byte("{oops")},
			wantRaw: "{oops",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecord(tt.entry)
			if r.Type != RecordType || r.Version != "v1" {
				t.Errorf("type/version = %s/%s", r.Type, r.Version)
			}
			if r.At != "2024-03-01T12:00:00Z" {
				t.Errorf("At = %s", r.At)
			}
			if r.Tries != tt.wantTries || r.MessageID != tt.wantID || r.Raw != tt.wantRaw {
				t.Errorf("record = %+v", r)
			}

			b, err := r.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("record is not JSON: %v", err)
			}
			if m["reason"] != tt.entry.Reason || m["queue"] != "q" {
				t.Errorf("record JSON = %s", b)
			}
			_, hasEnv := m["envelope"]
			if hasEnv != (tt.entry.Envelope != nil) {
				t.Errorf("envelope present = %v in %s", hasEnv, b)
			}
		})
	}
}

type fakePublisher struct {
	topic string
	body  []byte
	err   error
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

func TestNSQSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNSQSink(pub, "queuereader_dlq")

	if err := sink.Write(context.Background(), Entry{Queue: "q", Reason: ReasonRequeueFailed, At: at, Envelope: testEnvelope()}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if pub.topic != "queuereader_dlq" {
		t.Errorf("topic = %s", pub.topic)
	}
	var r Record
	if err := json.Unmarshal(pub.body, &r); err != nil {
		t.Fatalf("published body not a Record: %v", err)
	}
	if r.Reason != ReasonRequeueFailed || r.Envelope == nil || r.Envelope.Tries != 4 {
		t.Errorf("published record = %+v", r)
	}

	pub.err = errors.New("nsqd down")
	if err := sink.Write(context.Background(), Entry{Queue: "q", Reason: ReasonInvalid, Raw: []byte("x")}); err == nil {
		t.Error("Write() expected publish error")
	}
}

type sinkFunc func(ctx context.Context, e Entry) error

func (f sinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

func TestTee(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.New("test")
	logger.SetOutput(&logs)

	var calls []string
	ok := func(name string) Sink {
		return sinkFunc(func(context.Context, Entry) error {
			calls = append(calls, name)
			return nil
		})
	}
	failing := func(name string) Sink {
		return sinkFunc(func(context.Context, Entry) error {
			calls = append(calls, name)
			return errors.New(name + " failed")
		})
	}
	e := Entry{Queue: "q", Reason: ReasonInvalid, Raw: []byte("x")}

	calls = nil
	if err := Tee(logger, ok("file"), failing("nsq"), ok("other")).Write(context.Background(), e); err != nil {
		t.Errorf("Write() error = %v, want mirror failure swallowed", err)
	}
	if strings.Join(calls, ",") != "file,nsq,other" {
		t.Errorf("calls = %v", calls)
	}
	if !strings.Contains(logs.String(), "dead-letter mirror failed") {
		t.Errorf("mirror failure not logged: %s", logs.String())
	}

	calls = nil
	if err := Tee(logger, failing("file"), ok("nsq")).Write(context.Background(), e); err == nil {
		t.Error("Write() expected primary error")
	}
	if strings.Join(calls, ",") != "file" {
		t.Errorf("mirrors ran after primary failure: %v", calls)
	}
}
