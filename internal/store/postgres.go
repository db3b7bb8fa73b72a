package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// wrap annotates err with op and marks connection-class failures with
// ErrUnavailable so callers can retry them.
func wrap(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const jobColumns = `id, image_key, content_type, categories, hide_categories, remove_image_metadata, extra,
	state, report, lease_worker_id, lease_expires_at, attempt_count, release_count, last_error, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO moderation_jobs (id, image_key, content_type, categories, hide_categories,
			remove_image_metadata, extra, state, attempt_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.ImageKey, job.ContentType, categoriesToStrings(job.Request.Categories),
		job.Request.HideCategories, job.Request.RemoveImageMetadata, job.Request.Extra,
		job.State, job.AttemptCount, job.CreatedAt, job.UpdatedAt)
	if isDuplicateKeyError(err) {
		return ErrConflict
	}
	if err != nil {
		return wrap("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM moderation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get job", err)
	}
	return j, nil
}

// CompareAndSwap locks the row, checks and mutates it in Go, and writes the
// mutable columns back guarded by the expected state.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expected models.JobState, mutate jobstate.Mutation) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrap("begin cas", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	prev, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM moderation_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("lock job", err)
	}

	next, err := swap(prev, expected, mutate)
	if err != nil {
		return nil, err
	}

	var report []byte
	if next.Report != nil {
		report, err = json.Marshal(next.Report)
		if err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}
	}
	var leaseWorker *string
	var leaseExpires *time.Time
	if next.Lease != nil {
		leaseWorker = &next.Lease.WorkerID
		leaseExpires = &next.Lease.ExpiresAt
	}

	tag, err := tx.Exec(ctx,
		`UPDATE moderation_jobs
		 SET state = $3, report = $4, lease_worker_id = $5, lease_expires_at = $6,
		     attempt_count = $7, release_count = $8, last_error = $9, updated_at = $10
		 WHERE id = $1 AND state = $2`,
		id, expected, next.State, jsonbOrNull(report), leaseWorker, leaseExpires,
		next.AttemptCount, next.ReleaseCount, next.LastError, next.UpdatedAt)
	if err != nil {
		return nil, wrap("update job", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: job %s left %s", ErrStateConflict, id, expected)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit cas", err)
	}
	return next, nil
}

func (s *PostgresStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM moderation_jobs
		 WHERE state IN ('LEASED', 'PROCESSING') AND lease_expires_at < $1
		 ORDER BY lease_expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, wrap("list expired leases", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM moderation_jobs
		 WHERE state = 'PENDING' AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, wrap("list stale pending", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap("scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("read jobs", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j            models.Job
		categories   []string
		report       []byte
		leaseWorker  *string
		leaseExpires *time.Time
	)
	err := row.Scan(&j.ID, &j.ImageKey, &j.ContentType, &categories, &j.Request.HideCategories,
		&j.Request.RemoveImageMetadata, &j.Request.Extra, &j.State, &report, &leaseWorker,
		&leaseExpires, &j.AttemptCount, &j.ReleaseCount, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.Request.Categories = make([]models.Category, len(categories))
	for i, c := range categories {
		j.Request.Categories[i] = models.Category(c)
	}
	if report != nil {
		j.Report = &models.Report{}
		if err := json.Unmarshal(report, j.Report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
	}
	if leaseWorker != nil && leaseExpires != nil {
		j.Lease = &models.Lease{WorkerID: *leaseWorker, ExpiresAt: leaseExpires.UTC()}
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func categoriesToStrings(cs []models.Category) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func jsonbOrNull(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isTransient reports whether err is a connection-class failure worth
// retrying: network errors, failed connects, and the server states that
// clear on their own.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
