package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/queuereader/internal/logging"
	"github.com/austindbirch/queuereader/internal/reader"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage() reader.Message {
	return reader.Message{
		ID:    "2d5nIzL1LQpYTTCFbhFWXhPGmS4",
		Queue: "clicks",
		Tries: 2,
		Data:  json.RawMessage(`{"url":"https://example.com"}`),
	}
}

func TestWebhookSignsRequest(t *testing.T) {
	const secret = "s3cret"
	const jwtKey = "jwt-key"

	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	task := Webhook(WebhookConfig{
		URL:       srv.URL,
		Secret:    secret,
		JWTKey:    jwtKey,
		JWTIssuer: "queuereader",
		Client:    srv.Client(),
		Now:       func() time.Time { return now },
	})

	done, err := task(context.Background(), testMessage())
	if err != nil || !done {
		t.Fatalf("Webhook() = %v, %v; want true, nil", done, err)
	}

	if string(gotBody) != `{"url":"https://example.com"}` {
		t.Errorf("body = %s", gotBody)
	}
	if ts := got.Header.Get(TimestampHeader); ts != "1709294400" {
		t.Errorf("timestamp header = %s", ts)
	}
	wantSig := "sha256=" + Sign(secret, gotBody, "1709294400")
	if sig := got.Header.Get(SignatureHeader); sig != wantSig {
		t.Errorf("signature = %s, want %s", sig, wantSig)
	}
	if id := got.Header.Get(MessageIDHeader); id != "2d5nIzL1LQpYTTCFbhFWXhPGmS4" {
		t.Errorf("message id header = %s", id)
	}
	if tries := got.Header.Get(TriesHeader); tries != "2" {
		t.Errorf("tries header = %s", tries)
	}

	auth := got.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Fatalf("Authorization = %q", auth)
	}
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims,
		func(*jwt.Token) (any, error) { return []byte(jwtKey), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return now.Add(time.Minute) }),
	)
	if err != nil {
		t.Fatalf("bearer token invalid: %v", err)
	}
	if claims.Subject != "2d5nIzL1LQpYTTCFbhFWXhPGmS4" || claims.Issuer != "queuereader" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestWebhookUnsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" || r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected auth headers: %v", r.Header)
		}
	}))
	defer srv.Close()

	done, err := Webhook(WebhookConfig{URL: srv.URL, Client: srv.Client()})(context.Background(), testMessage())
	if err != nil || !done {
		t.Errorf("Webhook() = %v, %v; want true, nil", done, err)
	}
}

func TestWebhookResponses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantDone   bool
		wantErr    error
	}{
		{name: "ok", status: http.StatusOK, wantDone: true},
		{name: "accepted", status: http.StatusAccepted, wantDone: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "not found", status: http.StatusNotFound},
		{name: "unavailable without retry-after", status: http.StatusServiceUnavailable},
		{name: "unavailable with retry-after", status: http.StatusServiceUnavailable, retryAfter: "30", wantErr: reader.ErrRequeueWithoutBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			done, err := Webhook(WebhookConfig{URL: srv.URL, Client: srv.Client()})(context.Background(), testMessage())
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}

func TestWebhookTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	done, err := Webhook(WebhookConfig{URL: srv.URL})(context.Background(), testMessage())
	if done || err == nil {
		t.Errorf("Webhook() = %v, %v; want false, error", done, err)
	}
}

type recordingExecer struct {
	sql  string
	args []any
	err  error
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql, r.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func TestArchive(t *testing.T) {
	rec := &recordingExecer{}
	done, err := Archive(rec)(context.Background(), testMessage())
	if err != nil || !done {
		t.Fatalf("Archive() = %v, %v; want true, nil", done, err)
	}
	if !strings.Contains(rec.sql, "INSERT INTO queuereader.archive") {
		t.Errorf("sql = %s", rec.sql)
	}
	if len(rec.args) != 4 || rec.args[0] != "clicks" || rec.args[1] != "2d5nIzL1LQpYTTCFbhFWXhPGmS4" ||
		rec.args[2] != 2 || rec.args[3] != `{"url":"https://example.com"}` {
		t.Errorf("args = %v", rec.args)
	}

	rec.err = errors.New("connection reset")
	if done, err := Archive(rec)(context.Background(), testMessage()); done || err == nil {
		t.Errorf("Archive() on db error = %v, %v; want false, error", done, err)
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

func TestForward(t *testing.T) {
	pub := &fakePublisher{}
	done, err := Forward(pub, "clicks_raw")(context.Background(), testMessage())
	if err != nil || !done {
		t.Fatalf("Forward() = %v, %v", done, err)
	}
	if pub.topic != "clicks_raw" || string(pub.body) != `{"url":"https://example.com"}` {
		t.Errorf("published %s to %s", pub.body, pub.topic)
	}

	pub.err = errors.New("nsqd unavailable")
	if done, err := Forward(pub, "clicks_raw")(context.Background(), testMessage()); done || err == nil {
		t.Errorf("Forward() on publish error = %v, %v", done, err)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("test")
	logger.SetOutput(&buf)

	done, err := Log(logger)(context.Background(), testMessage())
	if err != nil || !done {
		t.Fatalf("Log() = %v, %v", done, err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message_id"] != "2d5nIzL1LQpYTTCFbhFWXhPGmS4" || entry["queue"] != "clicks" {
		t.Errorf("log entry = %v", entry)
	}
}

func TestBuild(t *testing.T) {
	full := Deps{
		Logger:       logging.New("test"),
		Webhook:      WebhookConfig{URL: "http://hooks.internal"},
		DB:           &recordingExecer{},
		Publisher:    &fakePublisher{},
		ForwardTopic: "out",
	}

	tests := []struct {
		name      string
		names     []string
		deps      Deps
		wantTasks []string
		wantErr   error
	}{
		{name: "all kinds", names: []string{"log", " webhook", "archive", "forward"}, deps: full, wantTasks: []string{"log", "webhook", "archive", "forward"}},
		{name: "blank names skipped", names: []string{"log", ""}, deps: full, wantTasks: []string{"log"}},
		{name: "unknown", names: []string{"log", "index"}, deps: full, wantErr: reader.ErrUnknownTask},
		{name: "duplicate", names: []string{"log", "log"}, deps: full},
		{name: "webhook without url", names: []string{"webhook"}, deps: Deps{}},
		{name: "archive without db", names: []string{"archive"}, deps: Deps{}},
		{name: "forward without topic", names: []string{"forward"}, deps: Deps{Publisher: &fakePublisher{}}},
		{name: "empty", names: nil, deps: full},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.names, tt.deps)
			if tt.wantTasks == nil {
				if err == nil {
					t.Fatalf("Build() expected error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("Build() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if len(got) != len(tt.wantTasks) {
				t.Errorf("Build() returned %d tasks, want %d", len(got), len(tt.wantTasks))
			}
			for _, name := range tt.wantTasks {
				if got[name] == nil {
					t.Errorf("task %s missing", name)
				}
			}
		})
	}
}
