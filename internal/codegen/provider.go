// Package codegen turns a natural-language description into endpoint source
// code using a hosted LLM provider.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Temperature *float32
	MaxTokens   *int
}

// ChatResponse is the text a provider produced plus its token accounting.
type ChatResponse struct {
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int
}

// Provider is one hosted model vendor.
type Provider interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ValidateModel(model string) bool
	GetProviderName() string
}

// statusError is a non-2xx answer from a provider's HTTP API.
type statusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// isRetryableError reports whether err should trigger failover to
// another provider: rate limits, server errors and timeouts.
func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return retryableStatus(se.StatusCode)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
