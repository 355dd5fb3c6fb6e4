package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

var (
	// ErrCancelled ends a run whose context was cancelled or aborted.
	ErrCancelled = errors.New("run cancelled")
	// ErrIterationBudgetExceeded marks a run that used every iteration without
	// a final answer. It is a policy outcome reported through metadata.
	ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")
	ErrNoProvider              = errors.New("no llm provider configured")
)

// ProviderError is an LLM provider failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError classifies err as returned by the named provider's SDK.
// A nil err yields nil.
func NewProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	status := statusCode(err)
	retryable := IsRetryableError(err)
	if status > 0 {
		retryable = status == 408 || status == 409 || status == 429 || status >= 500
	}
	if errors.Is(err, context.Canceled) {
		retryable = false
	}
	return &ProviderError{Provider: provider, StatusCode: status, Retryable: retryable, Err: err}
}

func statusCode(err error) int {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code
	}
	var genaiPtr *genai.APIError
	if errors.As(err, &genaiPtr) {
		return genaiPtr.Code
	}
	return 0
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
