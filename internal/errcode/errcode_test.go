package errcode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/antigravity-dev/dustengine/internal/compiler"
	"github.com/antigravity-dev/dustengine/internal/llm"
	"github.com/antigravity-dev/dustengine/internal/parser"
	"github.com/antigravity-dev/dustengine/internal/store"
)

func TestClassifyNil(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("expected nil for a nil error")
	}
}

func TestClassifyKnownErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"parse", &parser.ParseError{Line: 1, Col: 2, Msg: "bad token"}, InvalidSpecification},
		{"compile", &compiler.SpecInvalid{Reason: "duplicate name"}, InvalidSpecification},
		{"spec not found", fmt.Errorf("loading: %w", store.ErrSpecificationNotFound), SpecificationNotFound},
		{"dataset not found", fmt.Errorf("loading: %w", store.ErrDatasetNotFound), DatasetNotFound},
		{"run not found", fmt.Errorf("loading: %w", store.ErrRunNotFound), RunNotFound},
		{"provider", &llm.ProviderError{Code: llm.ErrCodeRateLimited, Retryable: true, Err: errors.New("429")}, ProviderError},
		{"cancelled", fmt.Errorf("run aborted: %w", context.Canceled), Cancelled},
		{"unknown", errors.New("disk full"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Code != tt.want {
				t.Fatalf("Classify(%v).Code = %q, want %q", tt.err, got.Code, tt.want)
			}
			if got.Message == "" {
				t.Fatal("expected a non-empty message")
			}
		})
	}
}

func TestClassifyPassesThroughExistingError(t *testing.T) {
	orig := &Error{Code: CacheError, Message: "lookup failed"}
	got := Classify(fmt.Errorf("wrapping: %w", orig))
	if got != orig {
		t.Fatalf("expected the wrapped *Error to pass through, got %+v", got)
	}
}

func TestIsNotFound(t *testing.T) {
	for _, code := range []string{SpecificationNotFound, DatasetNotFound, RunNotFound} {
		if !IsNotFound(code) {
			t.Fatalf("expected %q to be a not-found code", code)
		}
	}
	for _, code := range []string{InvalidSpecification, ProviderError, Internal, Cancelled} {
		if IsNotFound(code) {
			t.Fatalf("expected %q to not be a not-found code", code)
		}
	}
}
