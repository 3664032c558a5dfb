package tasks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/queuereader/internal/reader"
	"github.com/austindbirch/queuereader/internal/tracing"
)

const (
	SignatureHeader = "X-Queuereader-Signature" // sha256=<hex>
	TimestampHeader = "X-Queuereader-Timestamp" // unix seconds
	MessageIDHeader = "X-Queuereader-Message-Id"
	TriesHeader     = "X-Queuereader-Tries"
)

// WebhookConfig configures the webhook task.
type WebhookConfig struct {
	URL       string
	Secret    string // HMAC key; empty disables signing
	JWTKey    string // HS256 key; empty disables the bearer token
	JWTIssuer string
	Timeout   time.Duration
	Client    *http.Client
	Now       func() time.Time
}

// Webhook POSTs the payload to cfg.URL. A 2xx response completes the task.
// 503 with Retry-After asks for a requeue without backoff.
func Webhook(cfg WebhookConfig) reader.Task {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(ctx context.Context, m reader.Message) (bool, error) {
		body := []byte(m.Data)
		ts := now()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return false, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(MessageIDHeader, m.ID)
		req.Header.Set(TriesHeader, strconv.Itoa(m.Tries))

		if cfg.Secret != "" {
			unix := strconv.FormatInt(ts.Unix(), 10)
			req.Header.Set(TimestampHeader, unix)
			req.Header.Set(SignatureHeader, "sha256="+Sign(cfg.Secret, body, unix))
		}
		if cfg.JWTKey != "" {
			tok, err := bearerToken(cfg.JWTKey, cfg.JWTIssuer, m.ID, ts)
			if err != nil {
				return false, err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		if traceID := tracing.GetTraceID(ctx); traceID != "" {
			req.Header.Set("X-Trace-Id", traceID)
		}

		resp, err := client.Do(req)
		if err != nil {
			return false, fmt.Errorf("post %s: %w", cfg.URL, err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return true, nil
		case resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "":
			return false, fmt.Errorf("%s asked to retry after %s: %w",
				cfg.URL, resp.Header.Get("Retry-After"), reader.ErrRequeueWithoutBackoff)
		default:
			return false, nil
		}
	}
}

// Sign returns the hex HMAC-SHA256 of body followed by timestamp.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func bearerToken(key, issuer, subject string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}
