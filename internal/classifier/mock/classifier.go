package mock

import (
	"context"

	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// Classifier satisfies models.Classifier for tests and local runs.
type Classifier struct {
	Name_        string
	ClassifyFunc func(ctx context.Context, req models.ClassifyRequest) (models.ClassifyResult, error)
}

func (m *Classifier) Name() string { return m.Name_ }

func (m *Classifier) Classify(ctx context.Context, req models.ClassifyRequest) (models.ClassifyResult, error) {
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, req)
	}
	return models.ClassifyResult{Categories: map[models.Category]bool{}}, nil
}

// NewClassifier returns a Classifier that finds nothing. When the request
// asks for redaction or metadata removal it echoes the image back as the
// processed copy.
func NewClassifier() *Classifier {
	return NewFlaggingClassifier()
}

// NewFlaggingClassifier reports the given categories as present whenever
// they are requested.
func NewFlaggingClassifier(flagged ...models.Category) *Classifier {
	hits := make(map[models.Category]bool, len(flagged))
	for _, c := range flagged {
		hits[c] = true
	}
	return &Classifier{
		Name_: "mock",
		ClassifyFunc: func(_ context.Context, req models.ClassifyRequest) (models.ClassifyResult, error) {
			res := models.ClassifyResult{Categories: make(map[models.Category]bool, len(req.Categories))}
			for _, c := range req.Categories {
				res.Categories[c] = hits[c]
			}
			if req.HideCategories || req.RemoveImageMetadata {
				res.RedactedImage = append([]byte(nil), req.Image...)
				res.RedactedContentType = req.ContentType
			}
			return res, nil
		},
	}
}

// NewFailingClassifier returns a Classifier that always returns the given error.
func NewFailingClassifier(err error) *Classifier {
	return &Classifier{
		Name_: "mock-failing",
		ClassifyFunc: func(_ context.Context, _ models.ClassifyRequest) (models.ClassifyResult, error) {
			return models.ClassifyResult{}, err
		},
	}
}

// NewTimeoutClassifier returns a Classifier that blocks until context is cancelled.
func NewTimeoutClassifier() *Classifier {
	return &Classifier{
		Name_: "mock-timeout",
		ClassifyFunc: func(ctx context.Context, _ models.ClassifyRequest) (models.ClassifyResult, error) {
			<-ctx.Done()
			return models.ClassifyResult{}, models.ErrClassifierTimeout
		},
	}
}

// Compile-time check that Classifier implements models.Classifier.
var _ models.Classifier = (*Classifier)(nil)
