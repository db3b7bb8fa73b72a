// Package moderation implements the gateway side of the pipeline: accepting
// uploads as PENDING jobs and answering status queries.
package moderation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yashenkoxciv/image-moderation-platform/internal/blob"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/internal/metrics"
	"github.com/yashenkoxciv/image-moderation-platform/internal/store"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

var (
	ErrMissingImage         = errors.New("image is required")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrJobNotFound          = errors.New("job not found")
)

// Enqueuer is the part of the job queue the gateway uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// StatusCache keeps encoded responses for jobs that reached a terminal state.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, payload []byte, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error)
}

// Options tunes a Service.
type Options struct {
	StatusCacheTTL time.Duration
	PresignTTL     time.Duration
}

type Service struct {
	store store.Store
	blobs blob.Store
	queue Enqueuer
	cache StatusCache
	opts  Options
}

// NewService wires the gateway. cache may be nil.
func NewService(st store.Store, blobs blob.Store, q Enqueuer, c StatusCache, opts Options) *Service {
	return &Service{store: st, blobs: blobs, queue: q, cache: c, opts: opts}
}

// Submission is an upload as received by the gateway, before validation.
type Submission struct {
	Image               []byte
	ContentType         string
	Categories          []string
	HideCategories      bool
	RemoveImageMetadata bool
	Extra               *string
}

// JobView is what clients see of a job.
type JobView struct {
	ID             uuid.UUID                `json:"id"`
	State          models.JobState          `json:"state"`
	ImageKey       string                   `json:"image_key"`
	Request        models.ModerationRequest `json:"request"`
	Report         *models.Report           `json:"report,omitempty"`
	ResultImageURL string                   `json:"result_image_url,omitempty"`
	AttemptCount   int                      `json:"attempt_count"`
	LastError      *string                  `json:"last_error,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// NewImageKey returns a random object key: 32 lowercase hex characters.
func NewImageKey() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Submit validates the upload, stores the image under a fresh key, creates
// the PENDING job and enqueues it. Nothing is created when validation fails.
//
// Enqueueing is best effort: a job whose enqueue failed stays PENDING and
// the sweeper enqueues it once it goes stale.
func (s *Service) Submit(ctx context.Context, sub Submission) (*JobView, error) {
	if len(sub.Image) == 0 {
		return nil, ErrMissingImage
	}
	categories, err := models.NormalizeCategories(sub.Categories)
	if err != nil {
		return nil, err
	}
	contentType, err := imageContentType(sub)
	if err != nil {
		return nil, err
	}

	key := NewImageKey()
	if err := s.blobs.Put(ctx, key, sub.Image, contentType); err != nil {
		if errors.Is(err, blob.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return nil, fmt.Errorf("store image: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		ImageKey:    key,
		ContentType: contentType,
		Request: models.ModerationRequest{
			Categories:          categories,
			HideCategories:      sub.HideCategories,
			RemoveImageMetadata: sub.RemoveImageMetadata,
			Extra:               sub.Extra,
		},
		State:     models.JobStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		// The blob would never be referenced.
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			slog.Warn("removing orphaned image failed", "image_key", key, "error", delErr)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsSubmitted.Inc()

	if err := s.queue.Enqueue(ctx, job.ID.String()); err != nil {
		slog.Warn("enqueue failed, job left for the sweeper", "job_id", job.ID, "error", err)
	}

	slog.Info("job submitted", "job_id", job.ID, "image_key", key, "categories", len(categories))
	return viewOf(job), nil
}

// Status returns the current view of a job. Terminal views are served from
// the cache when present. result_image_url is signed on every call so a
// cached view never carries an expired link.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*JobView, error) {
	if view, ok := s.cached(ctx, id); ok {
		return s.sign(view), nil
	}

	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	view := viewOf(job)
	if jobstate.IsTerminal(job.State) {
		s.remember(ctx, view)
	}
	return s.sign(view), nil
}

func (s *Service) cached(ctx context.Context, id uuid.UUID) (*JobView, bool) {
	if s.cache == nil {
		return nil, false
	}
	payload, found, err := s.cache.GetJobStatus(ctx, id)
	if err != nil {
		slog.Warn("status cache read failed", "job_id", id, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var view JobView
	if err := json.Unmarshal(payload, &view); err != nil {
		slog.Warn("discarding corrupt status cache entry", "job_id", id, "error", err)
		return nil, false
	}
	return &view, true
}

func (s *Service) remember(ctx context.Context, view *JobView) {
	if s.cache == nil || s.opts.StatusCacheTTL <= 0 {
		return
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, view.ID, payload, s.opts.StatusCacheTTL); err != nil {
		slog.Warn("status cache write failed", "job_id", view.ID, "error", err)
	}
}

func (s *Service) sign(view *JobView) *JobView {
	view.ResultImageURL = ""
	if view.Report == nil || view.Report.ResultImageKey == nil || s.opts.PresignTTL <= 0 {
		return view
	}
	signer, ok := blob.AsSigner(s.blobs)
	if !ok {
		return view
	}
	url, err := signer.PresignGet(*view.Report.ResultImageKey, s.opts.PresignTTL)
	if err != nil {
		slog.Warn("presigning result image failed", "job_id", view.ID, "error", err)
		return view
	}
	view.ResultImageURL = url
	return view
}

func viewOf(job *models.Job) *JobView {
	v := &JobView{
		ID:           job.ID,
		State:        job.State,
		ImageKey:     job.ImageKey,
		Request:      job.Request,
		Report:       job.Report.Clone(),
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.State == models.JobStateFailed {
		v.LastError = job.LastError
	}
	return v
}

// imageContentType trusts the declared type unless it is missing or
// generic, in which case the bytes are sniffed.
func imageContentType(sub Submission) (string, error) {
	ct := strings.TrimSpace(sub.ContentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(sub.Image)
	}
	if !strings.HasPrefix(strings.ToLower(ct), "image/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMediaType, ct)
	}
	return ct, nil
}
