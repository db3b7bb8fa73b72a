// Package remote talks to a moderation model served over HTTP.
//
// The service is expected to expose POST /v1/classify taking the image as
// base64 in a JSON body and answering with a category → bool map and an
// optional redacted image.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// Classifier implements models.Classifier against the HTTP classification
// service. Calls go through a circuit breaker so a dead backend fails fast.
type Classifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClassifier creates a remote classifier.
func NewClassifier(cfg config.ClassifierConfig) *Classifier {
	return &Classifier{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "classifier",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			// Rejected content says nothing about the backend's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, models.ErrClassifierPermanent)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (c *Classifier) Name() string { return "remote" }

func (c *Classifier) Classify(ctx context.Context, req models.ClassifyRequest) (models.ClassifyResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.classify(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.ClassifyResult{}, fmt.Errorf("%w: %v", models.ErrClassifierTransient, err)
	}
	if err != nil {
		return models.ClassifyResult{}, err
	}
	return out.(models.ClassifyResult), nil
}

func (c *Classifier) classify(ctx context.Context, req models.ClassifyRequest) (models.ClassifyResult, error) {
	body, err := json.Marshal(newClassifyRequest(req))
	if err != nil {
		return models.ClassifyResult{}, fmt.Errorf("%w: encoding request: %v", models.ErrClassifierPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return models.ClassifyResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.ClassifyResult{}, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return models.ClassifyResult{}, err
	}

	var cr classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return models.ClassifyResult{}, fmt.Errorf("%w: decoding response: %v", models.ErrClassifierTransient, err)
	}
	return cr.toResult(req.ContentType)
}

// statusError maps non-2xx responses. Requests the service refuses to
// process fail the job; everything else is worth another attempt.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(snippet))

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", models.ErrClassifierPermanent, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", models.ErrClassifierTransient, resp.StatusCode, detail)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrClassifierTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrClassifierTimeout, err)
	}

	return fmt.Errorf("%w: %v", models.ErrClassifierTransient, err)
}

// --- wire types ---

type classifyRequest struct {
	Image               string   `json:"image"`
	ContentType         string   `json:"content_type,omitempty"`
	Categories          []string `json:"categories"`
	HideCategories      bool     `json:"hide_categories"`
	RemoveImageMetadata bool     `json:"remove_image_metadata"`
	Extra               *string  `json:"extra,omitempty"`
}

func newClassifyRequest(req models.ClassifyRequest) classifyRequest {
	cats := make([]string, len(req.Categories))
	for i, c := range req.Categories {
		cats[i] = string(c)
	}
	return classifyRequest{
		Image:               base64.StdEncoding.EncodeToString(req.Image),
		ContentType:         req.ContentType,
		Categories:          cats,
		HideCategories:      req.HideCategories,
		RemoveImageMetadata: req.RemoveImageMetadata,
		Extra:               req.Extra,
	}
}

type classifyResponse struct {
	Categories          map[string]bool `json:"categories"`
	RedactedImage       string          `json:"redacted_image,omitempty"`
	RedactedContentType string          `json:"redacted_content_type,omitempty"`
}

func (r classifyResponse) toResult(fallbackContentType string) (models.ClassifyResult, error) {
	if r.Categories == nil {
		return models.ClassifyResult{}, fmt.Errorf("%w: response without categories", models.ErrClassifierTransient)
	}
	res := models.ClassifyResult{Categories: make(map[models.Category]bool, len(r.Categories))}
	for name, hit := range r.Categories {
		c, err := models.ParseCategory(name)
		if err != nil {
			continue
		}
		res.Categories[c] = hit
	}

	if r.RedactedImage != "" {
		img, err := base64.StdEncoding.DecodeString(r.RedactedImage)
		if err != nil {
			return models.ClassifyResult{}, fmt.Errorf("%w: decoding redacted image: %v", models.ErrClassifierTransient, err)
		}
		res.RedactedImage = img
		res.RedactedContentType = r.RedactedContentType
		if res.RedactedContentType == "" {
			res.RedactedContentType = fallbackContentType
		}
	}
	return res, nil
}

// Compile-time check that Classifier implements models.Classifier.
var _ models.Classifier = (*Classifier)(nil)
