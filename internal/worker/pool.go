// Package worker runs the moderation workers and the lease sweeper.
//
// Workers coordinate only through store compare-and-swap: whoever wins the
// PENDING → LEASED swap owns the job, every later transition checks that the
// lease is still theirs, and a duplicate delivery of the same job id is
// simply acknowledged and dropped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/yashenkoxciv/image-moderation-platform/internal/blob"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/internal/metrics"
	"github.com/yashenkoxciv/image-moderation-platform/internal/queue"
	"github.com/yashenkoxciv/image-moderation-platform/internal/store"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Config shapes a Pool.
type Config struct {
	// ID prefixes the worker ids written into leases. Defaults to a random id.
	ID              string
	Count           int
	Policy          jobstate.Policy
	ClassifyTimeout time.Duration
	// ReceiveBackoff is how long a worker waits after a failed Receive and
	// before handing back a delivery it could not settle.
	ReceiveBackoff time.Duration
}

// Pool runs Count workers against the same store, queue, blob store and
// classifier.
type Pool struct {
	cfg        Config
	store      store.Store
	queue      queue.Queue
	blobs      blob.Store
	classifier models.Classifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewPool creates a Pool. Workers start on Run.
func NewPool(cfg Config, st store.Store, q queue.Queue, blobs blob.Store, c models.Classifier) *Pool {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()[:8]
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	return &Pool{
		cfg:        cfg,
		store:      st,
		queue:      q,
		blobs:      blobs,
		classifier: c,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled. Jobs already being processed when ctx
// ends are carried to a recorded decision before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		w := p.worker(fmt.Sprintf("%s-%d", p.cfg.ID, i))
		g.Go(func() error { return w.run(ctx) })
	}
	return g.Wait()
}

func (p *Pool) worker(id string) *worker {
	return &worker{Pool: p, id: id, logger: p.logger.With("worker_id", id)}
}

type worker struct {
	*Pool
	id     string
	logger *slog.Logger
}

func (w *worker) run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	for {
		msg, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			w.logger.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.ReceiveBackoff):
			}
			continue
		}
		w.handle(ctx, msg)
	}
}

// handle processes one delivery and settles it with the queue. The work runs
// on a context that outlives shutdown so the current job reaches a decision;
// only the pause before a nack is cut short by runCtx.
func (w *worker) handle(runCtx context.Context, msg *queue.Message) {
	ctx := context.WithoutCancel(runCtx)
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	logger := w.logger.With("job_id", msg.JobID)
	ack := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", "error", r)
			ack = false
		}
		if !ack {
			w.pause(runCtx)
		}
		w.settle(ctx, logger, msg, ack)
	}()

	id, err := uuid.Parse(msg.JobID)
	if err != nil {
		logger.Warn("dropping message with malformed job id", "error", err)
		ack = true
		return
	}
	ack = w.process(ctx, logger, id)
}

// pause delays a redelivery so an outage is not met with a tight loop.
func (w *worker) pause(ctx context.Context) {
	t := time.NewTimer(w.cfg.ReceiveBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *worker) settle(ctx context.Context, logger *slog.Logger, msg *queue.Message, ack bool) {
	var err error
	if ack {
		err = w.queue.Ack(ctx, msg.Receipt)
	} else {
		err = w.queue.Nack(ctx, msg.Receipt)
	}
	switch {
	case errors.Is(err, queue.ErrUnknownReceipt):
		logger.Debug("delivery already expired", "ack", ack)
	case err != nil:
		logger.Error("settling delivery failed", "ack", ack, "error", err)
	}
}

// process runs the job through LEASED, PROCESSING and a final decision.
// It returns false when the message should be redelivered after a pause:
// no decision could be recorded, or the job was released back to PENDING.
func (w *worker) process(ctx context.Context, logger *slog.Logger, id uuid.UUID) bool {
	job, err := w.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("dropping message for unknown job")
		return true
	}
	if err != nil {
		logger.Error("loading job failed", "error", err)
		return false
	}
	if job.State != models.JobStatePending {
		logger.Debug("dropping duplicate delivery", "state", job.State)
		return true
	}

	// The image is fetched before leasing so an unreachable object store
	// leaves the job untouched. A missing image is a permanent failure and
	// is recorded once the job is leased.
	obj, fetchErr := w.blobs.Get(ctx, job.ImageKey)
	if fetchErr != nil && !errors.Is(fetchErr, blob.ErrNotFound) {
		logger.Error("fetching image failed", "error", fetchErr)
		return false
	}

	leased, err := w.swap(ctx, id, models.JobStatePending, w.cfg.Policy.Lease(w.id, w.now()))
	if err != nil {
		return w.lost(logger, "lease", err)
	}
	attempt := leased.AttemptCount
	logger = logger.With("attempt", attempt)

	processing, err := w.swap(ctx, id, models.JobStateLeased, w.cfg.Policy.Begin(w.id, attempt, w.now()))
	if err != nil {
		return w.lost(logger, "begin", err)
	}

	if fetchErr != nil {
		return w.fail(ctx, logger, processing, attempt, fmt.Errorf("fetching image: %w", fetchErr))
	}

	report, err := w.moderate(ctx, processing, obj)
	if errors.Is(err, blob.ErrUnavailable) {
		return w.release(ctx, logger, processing, attempt, err)
	}
	if err != nil {
		return w.fail(ctx, logger, processing, attempt, err)
	}

	_, err = w.swap(ctx, id, models.JobStateProcessing, w.cfg.Policy.Complete(w.id, attempt, *report, w.now()))
	if err != nil {
		if report.ResultImageKey != nil && isLost(err) {
			// Another worker owns the job now; our output is orphaned.
			_ = w.blobs.Delete(ctx, *report.ResultImageKey)
		}
		return w.lost(logger, "complete", err)
	}
	logger.Info("job done")
	return true
}

// moderate runs the classifier on the fetched image and stores the redacted
// output when categories were to be hidden. The returned report covers
// exactly the requested categories.
func (w *worker) moderate(ctx context.Context, job *models.Job, obj *blob.Object) (*models.Report, error) {
	contentType := job.ContentType
	if contentType == "" {
		contentType = obj.ContentType
	}

	classifyCtx, cancel := context.WithTimeout(ctx, w.cfg.ClassifyTimeout)
	defer cancel()

	start := time.Now()
	res, err := w.classifier.Classify(classifyCtx, models.ClassifyRequest{
		Image:               obj.Data,
		ContentType:         contentType,
		Categories:          job.Request.Categories,
		HideCategories:      job.Request.HideCategories,
		RemoveImageMetadata: job.Request.RemoveImageMetadata,
		Extra:               job.Request.Extra,
	})
	if err != nil && errors.Is(classifyCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, models.ErrClassifierTimeout) {
		err = fmt.Errorf("%w: %v", models.ErrClassifierTimeout, err)
	}
	metrics.ObserveClassify(w.classifier.Name(), outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	report := &models.Report{Categories: make(map[models.Category]bool, len(job.Request.Categories))}
	for _, c := range job.Request.Categories {
		report.Categories[c] = res.Categories[c]
	}

	if job.Request.HideCategories && res.RedactedImage != nil {
		key := ResultImageKey(job.ImageKey, job.AttemptCount)
		ct := res.RedactedContentType
		if ct == "" {
			ct = contentType
		}
		if err := w.blobs.Put(ctx, key, res.RedactedImage, ct); err != nil {
			return nil, fmt.Errorf("storing result image: %w", err)
		}
		report.ResultImageKey = &key
	}
	return report, nil
}

// fail records a failed attempt. Permanent failures (rejected content, image
// gone) go straight to FAILED; the rest return to PENDING while retries remain.
func (w *worker) fail(ctx context.Context, logger *slog.Logger, job *models.Job, attempt int, cause error) bool {
	permanent := !models.IsRetryableClassifierError(cause) || errors.Is(cause, blob.ErrNotFound)

	next, err := w.swap(ctx, job.ID, models.JobStateProcessing,
		w.cfg.Policy.Fail(w.id, attempt, cause, permanent, w.now()))
	if err != nil {
		return w.lost(logger, "fail", err)
	}

	if next.State == models.JobStateFailed {
		logger.Warn("job failed", "error", cause, "permanent", permanent)
		return true
	}

	logger.Info("job attempt failed, retrying", "error", cause)
	if err := w.queue.Enqueue(ctx, job.ID.String()); err != nil {
		// The sweeper re-enqueues stale PENDING jobs.
		logger.Error("re-enqueue failed", "error", err)
	}
	return true
}

// release hands the job back after an object store outage without charging
// the retry budget. The delivery is then nacked after the usual pause, which
// brings the PENDING job back once storage had time to recover.
func (w *worker) release(ctx context.Context, logger *slog.Logger, job *models.Job, attempt int, cause error) bool {
	_, err := w.swap(ctx, job.ID, models.JobStateProcessing,
		w.cfg.Policy.Release(w.id, attempt, cause, w.now()))
	if err != nil {
		return w.lost(logger, "release", err)
	}
	logger.Warn("job released after storage failure", "error", cause)
	return false
}

// swap runs a CAS and counts the transition.
func (w *worker) swap(ctx context.Context, id uuid.UUID, expected models.JobState, m jobstate.Mutation) (*models.Job, error) {
	next, err := w.store.CompareAndSwap(ctx, id, expected, m)
	if err != nil {
		return nil, err
	}
	metrics.ObserveTransition(string(expected), string(next.State))
	return next, nil
}

// lost decides how to settle after a failed CAS. Losing the job to another
// actor is a recorded decision; anything else is not.
func (w *worker) lost(logger *slog.Logger, step string, err error) bool {
	if isLost(err) {
		logger.Info("job taken over by another actor", "step", step, "error", err)
		return true
	}
	logger.Error("recording transition failed", "step", step, "error", err)
	return false
}

func isLost(err error) bool {
	return errors.Is(err, store.ErrStateConflict) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, jobstate.ErrLeaseLost) ||
		errors.Is(err, jobstate.ErrInvalidTransition)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrClassifierTimeout):
		return "timeout"
	case errors.Is(err, models.ErrClassifierPermanent):
		return "rejected"
	default:
		return "error"
	}
}

// ResultImageKey names the redacted output of an attempt. Keys differ per
// attempt so a retried job never overwrites an earlier result.
func ResultImageKey(imageKey string, attempt int) string {
	return fmt.Sprintf("%s_result_%d", imageKey, attempt)
}
