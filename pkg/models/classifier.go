// Package models contains shared data models used across the image moderation platform.
package models

import (
	"context"
	"errors"
)

// Classifier errors. Transient and timeout failures count against the job's
// retry budget; permanent failures fail the job immediately.
var (
	ErrClassifierTransient = errors.New("classifier temporarily unavailable")
	ErrClassifierPermanent = errors.New("classifier rejected content")
	ErrClassifierTimeout   = errors.New("classifier call timed out")
)

// Classifier is the pluggable moderation capability. Never call a specific
// backend directly; always inject this interface.
type Classifier interface {
	// Classify checks the image for the requested categories and, when
	// HideCategories is set, may return a redacted copy of the image.
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error)
	// Name returns the classifier identifier (e.g., "remote", "mock").
	Name() string
}

// ClassifyRequest is the input to a classification call.
type ClassifyRequest struct {
	Image               []byte
	ContentType         string
	Categories          []Category
	HideCategories      bool
	RemoveImageMetadata bool
	Extra               *string
}

// ClassifyResult is the output of a classification call.
type ClassifyResult struct {
	Categories          map[Category]bool
	RedactedImage       []byte // nil unless a redacted image was produced
	RedactedContentType string
}

// IsRetryableClassifierError reports whether err should be charged as a
// retryable attempt rather than failing the job outright.
func IsRetryableClassifierError(err error) bool {
	return !errors.Is(err, ErrClassifierPermanent)
}
