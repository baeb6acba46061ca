package limit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"llm-charlimit/internal/chatapi"
)

// Prober issues one probe at a given prompt length and classifies the outcome.
type Prober interface {
	Probe(ctx context.Context, length int) ProbeResult
}

// EndpointProber probes a chat-completion endpoint with generated prompts.
// Every failure is definitive; there are no retries at this layer.
type EndpointProber struct {
	Client  *chatapi.Client
	Model   string
	Timeout time.Duration
}

func (p *EndpointProber) Probe(ctx context.Context, length int) ProbeResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := chatapi.ChatRequest{
		Model: p.Model,
		Messages: []chatapi.ChatMessage{
			{Role: "user", Content: GeneratePrompt(length)},
		},
		Stream: false,
	}

	start := time.Now()
	resp, raw, err := p.Client.CreateChatCompletion(probeCtx, req)

	result := ProbeResult{Length: length}
	if raw != nil {
		result.Duration = raw.Duration
	} else {
		result.Duration = time.Since(start)
	}
	result.DurationMS = result.Duration.Milliseconds()

	if err == nil {
		result.Succeeded = true
		result.ResponseChars = len(resp.FirstContent())
		return result
	}

	if apiErr, ok := chatapi.IsAPIError(err); ok {
		result.Kind = FailureHTTPStatus
		result.HTTPStatus = apiErr.StatusCode
		result.ErrorDetail = fmt.Sprintf("status %d: %s", apiErr.StatusCode, firstN(string(apiErr.Body), 200))
		// rate-limited responses say how long the gateway wants us to back off
		if retryAfter := raw.Header("Retry-After"); retryAfter != "" {
			result.ErrorDetail += fmt.Sprintf(" (retry-after: %s)", retryAfter)
		}
		return result
	}

	if isTimeout(err) {
		result.Kind = FailureTimeout
		result.ErrorDetail = fmt.Sprintf("request timed out after %s", timeout)
		return result
	}

	result.Kind = FailureTransport
	result.ErrorDetail = err.Error()
	return result
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func firstN(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
