package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func testPayload() *Payload {
	return &Payload{Username: "MangaDex", Embeds: []Embed{{Title: "Test", Color: embedColor}}}
}

type mockStatusRecorder struct {
	statuses []int
}

func (m *mockStatusRecorder) RecordWebhookStatus(status int) {
	m.statuses = append(m.statuses, status)
}

func TestSender_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("ボディのデコードに失敗: %v", err)
		}
		if p.Username != "MangaDex" || len(p.Embeds) != 1 {
			t.Errorf("payload = %+v", p)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var buf bytes.Buffer
	rec := &mockStatusRecorder{}
	s := NewSender(server.Client(), newTestLogger(&buf), 3, rec)

	if _, err := s.Send(context.Background(), server.URL+"/api/webhooks/1/token", testPayload()); err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}
	if len(rec.statuses) != 1 || rec.statuses[0] != http.StatusNoContent {
		t.Errorf("recorded = %v, want [204]", rec.statuses)
	}
}

func TestSender_Send_RetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.01,"global":false}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var buf bytes.Buffer
	s := NewSender(server.Client(), newTestLogger(&buf), 3, nil)

	attempts, err := s.Send(context.Background(), server.URL, testPayload())
	if err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestSender_Send_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var buf bytes.Buffer
	s := NewSender(server.Client(), newTestLogger(&buf), 2, nil)

	_, err := s.Send(context.Background(), server.URL, testPayload())
	var de *model.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *model.DeliveryError", err)
	}
	if de.StatusCode != http.StatusTooManyRequests || de.Attempts != 3 {
		t.Errorf("DeliveryError = %+v, want status 429 attempts 3", de)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSender_Send_RetryAfterBeyondDeadlineGivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var buf bytes.Buffer
	s := NewSender(server.Client(), newTestLogger(&buf), 5, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.Send(ctx, server.URL, testPayload())
	if err == nil {
		t.Fatal("期限内に再送できない場合はエラーを返すこと")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("期限を超える待機はせずに即座に諦めること")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSender_Send_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Unknown Webhook","code":10015}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	s := NewSender(server.Client(), newTestLogger(&buf), 5, nil)

	_, err := s.Send(context.Background(), server.URL+"/api/webhooks/123/secret-token", testPayload())
	if !model.IsKind(err, model.ErrKindDelivery) {
		t.Fatalf("error = %v, want DELIVERY_FAILED", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if strings.Contains(err.Error(), "secret-token") || strings.Contains(buf.String(), "secret-token") {
		t.Error("Webhookのトークンをエラーやログに出力してはならない")
	}
}

func TestSender_Send_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	s := NewSender(http.DefaultClient, newTestLogger(&buf), 1, nil)

	_, err := s.Send(context.Background(), url, testPayload())
	var de *model.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *model.DeliveryError", err)
	}
	if de.Err == nil {
		t.Error("接続エラーの原因を保持すること")
	}
}
