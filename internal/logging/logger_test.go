package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{
			name:        "create logger with service name",
			serviceName: "queuereader",
		},
		{
			name:        "create logger with empty service name",
			serviceName: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			entry := logger.WithContext(ctx)
			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want %q", entry.Service, "test-service")
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID should not be empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty", entry.TraceID)
			}
		})
	}
}

func TestLogger_ForQueue(t *testing.T) {
	var buf bytes.Buffer
	logger := New("queuereader")
	logger.SetOutput(&buf)

	logger.ForQueue("clicks").Plain().Info("hello")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if got["queue"] != "clicks" {
		t.Errorf("queue = %v, want clicks", got["queue"])
	}
	if got["service"] != "queuereader" {
		t.Errorf("service = %v, want queuereader", got["service"])
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(*LogEntry) *LogEntry
		checkFn func(*testing.T, *LogEntry)
	}{
		{
			name:    "WithTraceID",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithTraceID("trace-123") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.TraceID != "trace-123" {
					t.Errorf("WithTraceID() TraceID = %q, want %q", e.TraceID, "trace-123")
				}
			},
		},
		{
			name:    "WithQueue",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithQueue("clicks") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Queue != "clicks" {
					t.Errorf("WithQueue() Queue = %q, want %q", e.Queue, "clicks")
				}
			},
		},
		{
			name:    "WithMessage",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithMessage("msg-1") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.MessageID != "msg-1" {
					t.Errorf("WithMessage() MessageID = %q, want %q", e.MessageID, "msg-1")
				}
			},
		},
		{
			name:    "WithTask",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithTask("index") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Task != "index" {
					t.Errorf("WithTask() Task = %q, want %q", e.Task, "index")
				}
			},
		},
		{
			name:    "WithEndpoint",
			setupFn: func(e *LogEntry) *LogEntry { return e.WithEndpoint("http://q1:8080") },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Endpoint != "http://q1:8080" {
					t.Errorf("WithEndpoint() Endpoint = %q, want %q", e.Endpoint, "http://q1:8080")
				}
			},
		},
		{
			name: "chained",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithQueue("q").WithTask("t").WithField("k", 1).WithFields(map[string]any{"j": 2})
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Queue != "q" || e.Task != "t" {
					t.Errorf("chained entry = %+v", e)
				}
				if e.Fields["k"] != 1 || e.Fields["j"] != 2 {
					t.Errorf("chained Fields = %v", e.Fields)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("test-service").Plain()
			result := tt.setupFn(entry)
			if result != entry {
				t.Error("fluent method should return the same entry")
			}
			tt.checkFn(t, result)
		})
	}
}

func TestLogEntry_WithError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField bool
	}{
		{name: "with error", err: errors.New("boom"), wantField: true},
		{name: "nil error", err: nil, wantField: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("svc").Plain().WithError(tt.err)
			_, ok := entry.Fields["error"]
			if ok != tt.wantField {
				t.Errorf("WithError() error field present = %v, want %v", ok, tt.wantField)
			}
			if tt.wantField && entry.Fields["error"] != tt.err.Error() {
				t.Errorf("WithError() error = %v, want %q", entry.Fields["error"], tt.err.Error())
			}
		})
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name      string
		logFn     func(*LogEntry)
		wantLevel LogLevel
		wantMsg   string
	}{
		{name: "Debug", logFn: func(e *LogEntry) { e.Debug("d") }, wantLevel: LevelDebug, wantMsg: "d"},
		{name: "Debugf", logFn: func(e *LogEntry) { e.Debugf("d %d", 1) }, wantLevel: LevelDebug, wantMsg: "d 1"},
		{name: "Info", logFn: func(e *LogEntry) { e.Info("i") }, wantLevel: LevelInfo, wantMsg: "i"},
		{name: "Infof", logFn: func(e *LogEntry) { e.Infof("i %s", "x") }, wantLevel: LevelInfo, wantMsg: "i x"},
		{name: "Warn", logFn: func(e *LogEntry) { e.Warn("w") }, wantLevel: LevelWarn, wantMsg: "w"},
		{name: "Warnf", logFn: func(e *LogEntry) { e.Warnf("w %v", true) }, wantLevel: LevelWarn, wantMsg: "w true"},
		{name: "Error", logFn: func(e *LogEntry) { e.Error("e") }, wantLevel: LevelError, wantMsg: "e"},
		{name: "Errorf", logFn: func(e *LogEntry) { e.Errorf("e %d", 2) }, wantLevel: LevelError, wantMsg: "e 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New("svc")
			logger.SetOutput(&buf)

			tt.logFn(logger.Plain().WithTask("index"))

			line := strings.TrimSpace(buf.String())
			if strings.Count(line, "\n") != 0 {
				t.Fatalf("expected a single line, got %q", line)
			}

			var got LogEntry
			if err := json.Unmarshal([]byte(line), &got); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", got.Level, tt.wantLevel)
			}
			if got.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMsg)
			}
			if got.Task != "index" {
				t.Errorf("Task = %q, want index", got.Task)
			}
			if got.Fields != nil {
				t.Errorf("empty Fields should be omitted, got %v", got.Fields)
			}
		})
	}
}

func TestSetDefaultService(t *testing.T) {
	original := defaultLogger.service
	defer SetDefaultService(original)

	SetDefaultService("custom")
	if got := Plain().Service; got != "custom" {
		t.Errorf("Plain().Service = %q, want custom", got)
	}
	if got := WithFields(map[string]any{"a": 1}).Service; got != "custom" {
		t.Errorf("WithFields().Service = %q, want custom", got)
	}
	if got := WithContext(context.Background()).Service; got != "custom" {
		t.Errorf("WithContext().Service = %q, want custom", got)
	}
}

func TestLogEntryJSONSerialization(t *testing.T) {
	entry := LogEntry{
		Time:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Level:     LevelWarn,
		Message:   "requeue failed",
		Service:   "queuereader",
		Queue:     "clicks",
		MessageID: "2a1b",
		Endpoint:  "http://q1",
	}

	b, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(b)
	for _, want := range []string{`"msg":"requeue failed"`, `"queue":"clicks"`, `"message_id":"2a1b"`, `"endpoint":"http://q1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s missing %s", s, want)
		}
	}
	for _, absent := range []string{`"task"`, `"trace_id"`, `"fields"`} {
		if strings.Contains(s, absent) {
			t.Errorf("JSON %s should omit %s", s, absent)
		}
	}
}
