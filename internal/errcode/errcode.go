// Package errcode maps the engine's typed errors onto the stable
// {code, message} contract surfaced to callers. The codes are a closed
// enum; Classify is the single place a Go error value is translated,
// so the HTTP surface and the CLI never pattern-match error strings.
package errcode

import (
	"context"
	"errors"
	"fmt"

	"github.com/antigravity-dev/dustengine/internal/compiler"
	"github.com/antigravity-dev/dustengine/internal/llm"
	"github.com/antigravity-dev/dustengine/internal/parser"
	"github.com/antigravity-dev/dustengine/internal/store"
)

const (
	InvalidSpecification  = "invalid_specification"
	InvalidDataset        = "invalid_dataset"
	SpecificationNotFound = "specification_not_found"
	DatasetNotFound       = "dataset_not_found"
	RunNotFound           = "run_not_found"
	ProviderError         = "provider_error"
	CacheError            = "cache_error"
	Cancelled             = "cancelled"
	Internal              = "internal_error"
)

// Error is the structured error shape returned across the engine's
// outer boundaries.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classify translates err into its stable code. Unrecognized errors
// map to internal_error rather than leaking a guessed code.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}

	code := Internal
	var parseErr *parser.ParseError
	var specErr *compiler.SpecInvalid
	var provErr *llm.ProviderError
	switch {
	case errors.As(err, &parseErr), errors.As(err, &specErr):
		code = InvalidSpecification
	case errors.Is(err, store.ErrSpecificationNotFound):
		code = SpecificationNotFound
	case errors.Is(err, store.ErrDatasetNotFound):
		code = DatasetNotFound
	case errors.Is(err, store.ErrRunNotFound):
		code = RunNotFound
	case errors.As(err, &provErr):
		code = ProviderError
	case errors.Is(err, context.Canceled):
		code = Cancelled
	}
	return &Error{Code: code, Message: err.Error()}
}

// IsNotFound reports whether code names one of the *_not_found codes,
// the distinction the HTTP surface uses to pick a 404 over a 500.
func IsNotFound(code string) bool {
	switch code {
	case SpecificationNotFound, DatasetNotFound, RunNotFound:
		return true
	}
	return false
}
