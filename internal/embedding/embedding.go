// Package embedding provides the embedding provider port plus a caching,
// retrying service wrapper used by ingestion and retrieval.
package embedding

import (
	"context"
	"fmt"
)

// Provider turns text into fixed-dimension vectors. Implementations are
// batch-friendly: one call may embed many texts.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelID() string
}

// Kind classifies embedding failures for retry policy.
type Kind string

const (
	KindTransient Kind = "transient"
	KindInvalid   Kind = "invalid"
	KindQuota     Kind = "quota"
)

// Error is the typed failure returned by the port.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
