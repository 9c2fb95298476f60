// Package llm defines the provider call contract blocks execute through
// (concrete provider SDKs are out of scope; only the contract and test
// doubles live here) and the retryability contract the cache/runner
// consume without needing to know which upstream SDK
// produced an error.
package llm

import (
	"context"
	"fmt"

	"github.com/antigravity-dev/dustengine/internal/blocks"
)

// Provider is the call contract an LLM/Chat block executes through.
// Matches blocks.LLMProvider; restated here as the package's own public
// type so callers wiring up an engine run import this package rather
// than reach into internal/blocks for a provider-shaped interface.
type Provider interface {
	Complete(ctx context.Context, req blocks.CompletionRequest) (blocks.CompletionResponse, error)
	Chat(ctx context.Context, req blocks.ChatRequest) (blocks.ChatResponse, error)
}

// ProviderError carries a stable error code and an explicit retryability
// verdict. The engine never pattern-matches on the wrapped error or on
// HTTP status codes itself — classification is the provider adapter's
// job: a unifying retry classifier lives at the provider adapter
// layer, not in the engine.
type ProviderError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error [%s]: %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Common provider error codes. Adapters are not limited to these; the
// engine only inspects Retryable, never Code, for control flow.
const (
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeTimeout        = "timeout"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeServerError    = "server_error"
	ErrCodeUnknown        = "unknown"
)

// RetryClassifier reports whether an error returned from a Provider call
// should be retried. The default implementation only trusts a
// *ProviderError's own Retryable flag; anything else (a context
// cancellation, a bug, an unrecognized error) is treated as non-retryable
// so the engine never silently retries something it doesn't understand.
type RetryClassifier interface {
	Retryable(err error) bool
}

type defaultClassifier struct{}

// DefaultRetryClassifier returns the classifier used when none is wired
// in explicitly: trust *ProviderError.Retryable, nothing else.
func DefaultRetryClassifier() RetryClassifier { return defaultClassifier{} }

func (defaultClassifier) Retryable(err error) bool {
	var perr *ProviderError
	for e := err; e != nil; {
		if p, ok := e.(*ProviderError); ok {
			perr = p
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if perr == nil {
		return false
	}
	return perr.Retryable
}
