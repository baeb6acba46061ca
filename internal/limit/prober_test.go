package limit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"llm-charlimit/internal/chatapi"
)

func newProberAgainst(url string, timeout time.Duration) *EndpointProber {
	return &EndpointProber{
		Client: chatapi.NewClient(chatapi.Config{
			BaseURL: url,
			APIKey:  "test-key",
			Timeout: timeout,
		}),
		Model:   "test-model",
		Timeout: timeout,
	}
}

func TestProbeSuccess(t *testing.T) {
	var gotAuth string
	var gotContentLen int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req chatapi.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("probe requested streaming")
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		gotContentLen = len(req.Messages[0].Content)
		writeChatResponse(w, "hello there")
	}))
	defer server.Close()

	prober := newProberAgainst(server.URL, 5*time.Second)
	result := prober.Probe(context.Background(), 1234)
	if !result.Succeeded {
		t.Fatalf("expected success, got kind=%s detail=%s", result.Kind, result.ErrorDetail)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("Authorization header = %q", gotAuth)
	}
	if gotContentLen != 1234 {
		t.Fatalf("prompt length sent = %d, want 1234", gotContentLen)
	}
	if result.ResponseChars != len("hello there") {
		t.Fatalf("response chars = %d", result.ResponseChars)
	}
}

func TestProbeHTTPStatusFailure(t *testing.T) {
	longBody := strings.Repeat("x", 600)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = w.Write([]byte(longBody))
	}))
	defer server.Close()

	prober := newProberAgainst(server.URL, 5*time.Second)
	result := prober.Probe(context.Background(), 100)
	if result.Succeeded {
		t.Fatal("expected failure")
	}
	if result.Kind != FailureHTTPStatus {
		t.Fatalf("kind = %s, want %s", result.Kind, FailureHTTPStatus)
	}
	if result.HTTPStatus != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", result.HTTPStatus)
	}
	// Body is truncated to 200 chars plus ellipsis inside the detail string.
	if !strings.Contains(result.ErrorDetail, "status 413") {
		t.Fatalf("detail missing status: %q", result.ErrorDetail)
	}
	if len(result.ErrorDetail) > len("status 413: ")+200+len("...") {
		t.Fatalf("detail not truncated: %d chars", len(result.ErrorDetail))
	}
}

func TestProbeRateLimitSurfacesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	prober := newProberAgainst(server.URL, 5*time.Second)
	result := prober.Probe(context.Background(), 100)
	if result.Kind != FailureHTTPStatus || result.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("unexpected classification: %+v", result)
	}
	if !strings.Contains(result.ErrorDetail, "retry-after: 30") {
		t.Fatalf("detail missing backoff hint: %q", result.ErrorDetail)
	}
}

func TestProbeAPIErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"prompt too long"}}`))
	}))
	defer server.Close()

	prober := newProberAgainst(server.URL, 5*time.Second)
	result := prober.Probe(context.Background(), 100)
	if result.Kind != FailureHTTPStatus || result.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("unexpected classification: %+v", result)
	}
	if !strings.Contains(result.ErrorDetail, "prompt too long") {
		t.Fatalf("detail lost envelope body: %q", result.ErrorDetail)
	}
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	prober := newProberAgainst(server.URL, 50*time.Millisecond)
	result := prober.Probe(context.Background(), 100)
	if result.Succeeded {
		t.Fatal("expected timeout failure")
	}
	if result.Kind != FailureTimeout {
		t.Fatalf("kind = %s, want %s (detail=%s)", result.Kind, FailureTimeout, result.ErrorDetail)
	}
	if result.HTTPStatus != 0 {
		t.Fatalf("timeout carried http status %d", result.HTTPStatus)
	}
}

func TestProbeTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	prober := newProberAgainst(server.URL, time.Second)
	result := prober.Probe(context.Background(), 100)
	if result.Succeeded {
		t.Fatal("expected transport failure")
	}
	if result.Kind != FailureTransport {
		t.Fatalf("kind = %s, want %s", result.Kind, FailureTransport)
	}
	if result.HTTPStatus != 0 {
		t.Fatalf("transport failure carried http status %d", result.HTTPStatus)
	}
}

func TestProbeMalformedSuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	prober := newProberAgainst(server.URL, time.Second)
	result := prober.Probe(context.Background(), 100)
	if result.Succeeded {
		t.Fatal("malformed body treated as success")
	}
	if result.Kind != FailureTransport {
		t.Fatalf("kind = %s, want %s", result.Kind, FailureTransport)
	}
}

func writeChatResponse(w http.ResponseWriter, content string) {
	resp := chatapi.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  "test-model",
		Choices: []chatapi.Choice{
			{Message: chatapi.ChatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
