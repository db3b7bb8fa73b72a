package worker_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yashenkoxciv/image-moderation-platform/internal/blob"
	"github.com/yashenkoxciv/image-moderation-platform/internal/classifier/mock"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/internal/queue"
	"github.com/yashenkoxciv/image-moderation-platform/internal/store"
	"github.com/yashenkoxciv/image-moderation-platform/internal/worker"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

type env struct {
	store *store.MemoryStore
	queue *queue.MemoryQueue
	blobs *blob.MemoryStore
}

func newEnv() *env {
	return &env{
		store: store.NewMemoryStore(),
		queue: queue.NewMemoryQueue(time.Minute),
		blobs: blob.NewMemoryStore(),
	}
}

// submit does what the gateway does on upload.
func (e *env) submit(t *testing.T, req models.ModerationRequest) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{
		ID:          uuid.New(),
		ImageKey:    uuid.New().String(),
		ContentType: "image/png",
		Request:     req,
		State:       models.JobStatePending,
	}
	require.NoError(t, e.blobs.Put(ctx, job.ImageKey, []byte("png-bytes"), job.ContentType))
	require.NoError(t, e.store.CreateJob(ctx, job))
	require.NoError(t, e.queue.Enqueue(ctx, job.ID.String()))
	return job
}

func (e *env) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

// start runs a pool until the test ends.
func (e *env) start(t *testing.T, cfg worker.Config, c models.Classifier) {
	t.Helper()
	e.startWith(t, cfg, e.store, e.blobs, c)
}

// startWith runs a pool over the given store and blob store, which usually
// wrap the env's own.
func (e *env) startWith(t *testing.T, cfg worker.Config, st store.Store, blobs blob.Store, c models.Classifier) {
	t.Helper()
	if cfg.ClassifyTimeout == 0 {
		cfg.ClassifyTimeout = time.Second
	}
	if cfg.Policy.LeaseTTL == 0 {
		cfg.Policy.LeaseTTL = time.Minute
	}
	if cfg.ReceiveBackoff == 0 {
		cfg.ReceiveBackoff = 10 * time.Millisecond
	}
	pool := worker.NewPool(cfg, st, e.queue, blobs, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
}

func (e *env) waitState(t *testing.T, id uuid.UUID, want models.JobState) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.job(t, id).State == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return e.job(t, id)
}

func (e *env) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.queue.Pending() == 0 && e.queue.InFlight() == 0
	}, 5*time.Second, 5*time.Millisecond, "queue never drained")
}

// countingClassifier wraps another classifier and counts calls.
type countingClassifier struct {
	models.Classifier
	calls atomic.Int32
}

func (c *countingClassifier) Classify(ctx context.Context, req models.ClassifyRequest) (models.ClassifyResult, error) {
	c.calls.Add(1)
	return c.Classifier.Classify(ctx, req)
}

func TestPool_EndToEnd(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{
		Categories:     []models.Category{models.CategoryNudity, models.CategoryWeapons},
		HideCategories: true,
	})

	e.start(t, worker.Config{Count: 2, Policy: jobstate.Policy{RetryLimit: 3}},
		mock.NewFlaggingClassifier(models.CategoryWeapons, models.CategoryGore))

	done := e.waitState(t, job.ID, models.JobStateDone)
	require.NotNil(t, done.Report)
	assert.Equal(t, map[models.Category]bool{
		models.CategoryNudity:  false,
		models.CategoryWeapons: true,
	}, done.Report.Categories, "report covers exactly the requested categories")
	require.NotNil(t, done.Report.ResultImageKey)
	assert.NotEqual(t, job.ImageKey, *done.Report.ResultImageKey)
	assert.Nil(t, done.Lease)
	assert.Equal(t, 1, done.AttemptCount)

	result, err := e.blobs.Get(context.Background(), *done.Report.ResultImageKey)
	require.NoError(t, err)
	assert.Equal(t, "image/png", result.ContentType)

	// The original image is untouched.
	original, err := e.blobs.Get(context.Background(), job.ImageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), original.Data)

	e.waitDrained(t)
}

func TestPool_ResultImageOnlyWhenHidingCategories(t *testing.T) {
	tests := []struct {
		name string
		req  models.ModerationRequest
	}{
		{"nothing requested", models.ModerationRequest{
			Categories: []models.Category{models.CategoryDrugs},
		}},
		{"metadata removal only", models.ModerationRequest{
			Categories:          []models.Category{models.CategoryDrugs},
			RemoveImageMetadata: true,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			job := e.submit(t, tt.req)
			e.start(t, worker.Config{Count: 1}, mock.NewClassifier())

			done := e.waitState(t, job.ID, models.JobStateDone)
			assert.Nil(t, done.Report.ResultImageKey)
			assert.Equal(t, 1, e.blobs.Len(), "no processed copy is stored")
		})
	}
}

func TestPool_RetryBound(t *testing.T) {
	const retryLimit = 3
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryGore}})

	c := &countingClassifier{Classifier: mock.NewFailingClassifier(models.ErrClassifierTransient)}
	e.start(t, worker.Config{Count: 2, Policy: jobstate.Policy{RetryLimit: retryLimit}}, c)

	failed := e.waitState(t, job.ID, models.JobStateFailed)
	assert.Equal(t, retryLimit+1, failed.AttemptCount)
	assert.Nil(t, failed.Report)
	assert.Nil(t, failed.Lease)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "temporarily unavailable")
	e.waitDrained(t)
	assert.Equal(t, int32(retryLimit+1), c.calls.Load())

	// FAILED is never left, even when the job id shows up again.
	require.NoError(t, e.queue.Enqueue(context.Background(), job.ID.String()))
	e.waitDrained(t)
	after := e.job(t, job.ID)
	assert.Equal(t, models.JobStateFailed, after.State)
	assert.Equal(t, retryLimit+1, after.AttemptCount)
	assert.Equal(t, int32(retryLimit+1), c.calls.Load())
}

func TestPool_TransientThenSuccess(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryFaces}})

	var calls atomic.Int32
	c := &mock.Classifier{
		Name_: "flaky",
		ClassifyFunc: func(_ context.Context, req models.ClassifyRequest) (models.ClassifyResult, error) {
			if calls.Add(1) < 3 {
				return models.ClassifyResult{}, models.ErrClassifierTransient
			}
			return models.ClassifyResult{Categories: map[models.Category]bool{models.CategoryFaces: true}}, nil
		},
	}
	e.start(t, worker.Config{Count: 1, Policy: jobstate.Policy{RetryLimit: 3}}, c)

	done := e.waitState(t, job.ID, models.JobStateDone)
	assert.Equal(t, 3, done.AttemptCount)
	assert.True(t, done.Report.Categories[models.CategoryFaces])
	assert.NotNil(t, done.LastError, "last error from earlier attempts is kept")
}

func TestPool_PermanentFailure(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryGore}})

	c := &countingClassifier{Classifier: mock.NewFailingClassifier(models.ErrClassifierPermanent)}
	e.start(t, worker.Config{Count: 1, Policy: jobstate.Policy{RetryLimit: 5}}, c)

	failed := e.waitState(t, job.ID, models.JobStateFailed)
	assert.Equal(t, 1, failed.AttemptCount)
	e.waitDrained(t)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestPool_MissingImageFailsPermanently(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryGore}})
	require.NoError(t, e.blobs.Delete(context.Background(), job.ImageKey))

	e.start(t, worker.Config{Count: 1, Policy: jobstate.Policy{RetryLimit: 5}}, mock.NewClassifier())

	failed := e.waitState(t, job.ID, models.JobStateFailed)
	assert.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "fetching image")
}

func TestPool_ClassifierTimeoutIsRetried(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryGore}})

	e.start(t, worker.Config{
		Count:           1,
		Policy:          jobstate.Policy{RetryLimit: 1},
		ClassifyTimeout: 20 * time.Millisecond,
	}, mock.NewTimeoutClassifier())

	failed := e.waitState(t, job.ID, models.JobStateFailed)
	assert.Equal(t, 2, failed.AttemptCount)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "timed out")
}

func TestPool_RedeliveryIsIdempotent(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryNudity}})

	c := &countingClassifier{Classifier: mock.NewClassifier()}
	e.start(t, worker.Config{Count: 2}, c)

	done := e.waitState(t, job.ID, models.JobStateDone)
	e.waitDrained(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.queue.Enqueue(context.Background(), job.ID.String()))
	}
	e.waitDrained(t)

	after := e.job(t, job.ID)
	assert.Equal(t, done.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, done.Report, after.Report)
	assert.Equal(t, 1, after.AttemptCount)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestPool_RacingWorkersProcessOnce(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryNudity}})
	for i := 0; i < 15; i++ {
		require.NoError(t, e.queue.Enqueue(context.Background(), job.ID.String()))
	}

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	c := &countingClassifier{Classifier: &mock.Classifier{
		Name_: "slow",
		ClassifyFunc: func(_ context.Context, req models.ClassifyRequest) (models.ClassifyResult, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return models.ClassifyResult{Categories: map[models.Category]bool{models.CategoryNudity: false}}, nil
		},
	}}
	e.start(t, worker.Config{Count: 8}, c)

	done := e.waitState(t, job.ID, models.JobStateDone)
	e.waitDrained(t)
	assert.Equal(t, 1, done.AttemptCount)
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, 1, maxSeen)
}

func TestPool_DropsUnknownAndMalformedIDs(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	require.NoError(t, e.queue.Enqueue(ctx, uuid.NewString()))
	require.NoError(t, e.queue.Enqueue(ctx, "not-a-uuid"))

	e.start(t, worker.Config{Count: 1}, mock.NewClassifier())
	e.waitDrained(t)
}

// failingStore makes every GetJob fail as if the database were down and
// counts the failed calls.
type failingStore struct {
	*store.MemoryStore
	down   atomic.Bool
	failed atomic.Int32
}

func (f *failingStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if f.down.Load() {
		f.failed.Add(1)
		return nil, fmt.Errorf("get job: %w: connection refused", store.ErrUnavailable)
	}
	return f.MemoryStore.GetJob(ctx, id)
}

func TestPool_StoreOutageBacksOffAndRedelivers(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryNudity}})

	fs := &failingStore{MemoryStore: e.store}
	fs.down.Store(true)
	e.startWith(t, worker.Config{Count: 1, ReceiveBackoff: 50 * time.Millisecond},
		fs, e.blobs, mock.NewClassifier())

	// While the store is down the message keeps coming back, one try per pause.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, models.JobStatePending, e.job(t, job.ID).State)
	assert.GreaterOrEqual(t, fs.failed.Load(), int32(1))
	assert.LessOrEqual(t, fs.failed.Load(), int32(6))

	fs.down.Store(false)
	e.waitState(t, job.ID, models.JobStateDone)
}

// outageBlobs fails Get while getDown is set and fails the next putFailures
// calls to Put, both with blob.ErrUnavailable.
type outageBlobs struct {
	*blob.MemoryStore
	getDown     atomic.Bool
	failedGets  atomic.Int32
	putFailures atomic.Int32
}

func (o *outageBlobs) Get(ctx context.Context, key string) (*blob.Object, error) {
	if o.getDown.Load() {
		o.failedGets.Add(1)
		return nil, fmt.Errorf("%w: connection reset", blob.ErrUnavailable)
	}
	return o.MemoryStore.Get(ctx, key)
}

func (o *outageBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if o.putFailures.Add(-1) >= 0 {
		return fmt.Errorf("%w: connection reset", blob.ErrUnavailable)
	}
	return o.MemoryStore.Put(ctx, key, data, contentType)
}

func TestPool_ImageStoreOutageLeavesJobUntouched(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{Categories: []models.Category{models.CategoryGore}})

	blobs := &outageBlobs{MemoryStore: e.blobs}
	blobs.getDown.Store(true)
	c := &countingClassifier{Classifier: mock.NewClassifier()}
	e.startWith(t, worker.Config{Count: 1, Policy: jobstate.Policy{RetryLimit: 2}}, e.store, blobs, c)

	require.Eventually(t, func() bool { return blobs.failedGets.Load() >= 5 },
		5*time.Second, 5*time.Millisecond)
	pending := e.job(t, job.ID)
	assert.Equal(t, models.JobStatePending, pending.State)
	assert.Zero(t, pending.AttemptCount, "an outage is not a failed attempt")
	assert.Nil(t, pending.LastError)
	assert.Zero(t, c.calls.Load())

	blobs.getDown.Store(false)
	done := e.waitState(t, job.ID, models.JobStateDone)
	assert.Equal(t, 1, done.AttemptCount)
}

func TestPool_ResultStoreOutageReleasesJob(t *testing.T) {
	e := newEnv()
	job := e.submit(t, models.ModerationRequest{
		Categories:     []models.Category{models.CategoryWeapons},
		HideCategories: true,
	})

	blobs := &outageBlobs{MemoryStore: e.blobs}
	blobs.putFailures.Store(2)
	c := &countingClassifier{Classifier: mock.NewFlaggingClassifier(models.CategoryWeapons)}
	// No retries: a single charged failure would end in FAILED.
	e.startWith(t, worker.Config{Count: 1, Policy: jobstate.Policy{RetryLimit: 0}}, e.store, blobs, c)

	done := e.waitState(t, job.ID, models.JobStateDone)
	assert.Equal(t, 3, done.AttemptCount)
	assert.Equal(t, 2, done.ReleaseCount)
	assert.Equal(t, int32(3), c.calls.Load())
	require.NotNil(t, done.Report.ResultImageKey)
	assert.Equal(t, worker.ResultImageKey(job.ImageKey, 3), *done.Report.ResultImageKey)
	assert.True(t, done.Report.Categories[models.CategoryWeapons])
	assert.Equal(t, 2, e.blobs.Len())
}

func TestResultImageKey(t *testing.T) {
	assert.Equal(t, "abc_result_2", worker.ResultImageKey("abc", 2))
	assert.NotEqual(t, worker.ResultImageKey("abc", 1), worker.ResultImageKey("abc", 2))
}
