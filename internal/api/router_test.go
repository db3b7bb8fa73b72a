package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yashenkoxciv/image-moderation-platform/internal/api"
	"github.com/yashenkoxciv/image-moderation-platform/internal/api/handler"
	mw "github.com/yashenkoxciv/image-moderation-platform/internal/api/middleware"
	"github.com/yashenkoxciv/image-moderation-platform/internal/blob"
	"github.com/yashenkoxciv/image-moderation-platform/internal/classifier/mock"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/internal/metrics"
	"github.com/yashenkoxciv/image-moderation-platform/internal/moderation"
	"github.com/yashenkoxciv/image-moderation-platform/internal/queue"
	"github.com/yashenkoxciv/image-moderation-platform/internal/store"
	"github.com/yashenkoxciv/image-moderation-platform/internal/worker"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// --- stub counter ---

type stubCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *stubCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n, nil
}

type stack struct {
	router http.Handler
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	blobs  *blob.MemoryStore
}

func newStack(limit int) *stack {
	s := &stack{
		store: store.NewMemoryStore(),
		queue: queue.NewMemoryQueue(time.Minute),
		blobs: blob.NewMemoryStore(),
	}
	svc := moderation.NewService(s.store, s.blobs, s.queue, nil, moderation.Options{})
	s.router = api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(&stubCounter{}, limit),
		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": s.store,
			"queue":    s.queue,
			"storage":  s.blobs,
		}),
		UploadHandler:  handler.NewUploadHandler(svc, 1<<20),
		StatusHandler:  handler.NewStatusHandler(svc),
		MetricsHandler: metrics.Handler(),
	})
	return s
}

func upload(t *testing.T, query string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mpw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="cat.png"`)
	h.Set("Content-Type", "image/png")
	w, err := mpw.CreatePart(h)
	require.NoError(t, err)
	_, err = w.Write([]byte("\x89PNG\r\n\x1a\n"))
	require.NoError(t, err)
	require.NoError(t, mpw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/images/moderation?"+query, &body)
	r.Header.Set("Content-Type", mpw.FormDataContentType())
	return r
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) moderation.JobView {
	t.Helper()
	var env struct {
		Data moderation.JobView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env.Data
}

// --- router tests ---

func TestRouter_HealthEndpoint(t *testing.T) {
	s := newStack(60)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"storage":"ok"`)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	s := newStack(60)

	// Generate at least one observation.
	s.router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/health", nil))

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "moderation_http_requests_total")
}

func TestRouter_NotFound(t *testing.T) {
	s := newStack(60)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_UnwiredHandlersReturn501(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/jobs/abc", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_RateLimitsModerationRoutes(t *testing.T) {
	s := newStack(1)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health is never limited.
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_UnknownCategoryCreatesNothing(t *testing.T) {
	s := newStack(60)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, upload(t, "categories=nudity,cats"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CATEGORY")
	assert.Zero(t, s.blobs.Len())
	assert.Zero(t, s.queue.Pending())
}

// TestRouter_EndToEnd uploads over HTTP, runs a worker pool, and polls the
// status endpoint until the report is in.
func TestRouter_EndToEnd(t *testing.T) {
	s := newStack(1000)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, upload(t, "categories=nudity&categories=weapons&hide_categories=true"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeView(t, w)
	assert.Equal(t, models.JobStatePending, created.State)

	pool := worker.NewPool(worker.Config{
		Count:           1,
		Policy:          jobstate.Policy{RetryLimit: 3, LeaseTTL: time.Minute},
		ClassifyTimeout: time.Second,
	}, s.store, s.queue, s.blobs, mock.NewFlaggingClassifier(models.CategoryWeapons))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	path := "/api/v1/jobs/" + created.ID.String()
	var first moderation.JobView
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			return false
		}
		first = decodeView(t, w)
		return first.State == models.JobStateDone
	}, 5*time.Second, 10*time.Millisecond)

	require.NotNil(t, first.Report)
	assert.Equal(t, map[models.Category]bool{
		models.CategoryNudity:  false,
		models.CategoryWeapons: true,
	}, first.Report.Categories)
	require.NotNil(t, first.Report.ResultImageKey)
	assert.NotEqual(t, created.ImageKey, *first.Report.ResultImageKey)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.Report, decodeView(t, w).Report)
}
