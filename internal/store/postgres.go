package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"companion-jobs/internal/models"
)

var (
	// ErrJobNotFound is returned when no row matches the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotClaimed is returned when a status write finds the job no longer in processing,
	// typically because its lease expired and another dispatcher reclaimed it.
	ErrNotClaimed = errors.New("job is not claimed for processing")
)

const jobColumns = `id, type, user_id, payload, status, priority, retry_count, max_retries,
	result, error_message, not_before, lease_expires_at, created_at, updated_at`

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type       string
	UserID     string
	Payload    json.RawMessage
	Priority   int
	MaxRetries int
	NotBefore  *time.Time
}

// CreateJob inserts a pending job and its enqueued event in one transaction.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Type == "" {
		return models.Job{}, errors.New("job type is required")
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(p.Payload) {
		return models.Job{}, errors.New("payload is not valid JSON")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO background_jobs (id, type, user_id, payload, status, priority, retry_count, max_retries, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
	`, id, p.Type, p.UserID, []byte(p.Payload), models.StatusPending, p.Priority, p.MaxRetries, p.NotBefore, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts) VALUES ($1, $2, $3, $4)
	`, id, models.EventEnqueued, fmt.Sprintf("type=%s priority=%d", p.Type, p.Priority), now); err != nil {
		return models.Job{}, fmt.Errorf("insert enqueue event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:         id,
		Type:       p.Type,
		UserID:     p.UserID,
		Payload:    p.Payload,
		Status:     models.StatusPending,
		Priority:   p.Priority,
		RetryCount: 0,
		MaxRetries: p.MaxRetries,
		NotBefore:  p.NotBefore,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// ClaimBatch atomically moves up to limit eligible jobs to processing and leases them
// until now+lease. Eligible means pending with not_before elapsed, or processing with an
// expired lease. The result is ordered by priority desc, created_at asc.
func (s *Store) ClaimBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE background_jobs AS j
		SET status = $1, lease_expires_at = $4, updated_at = $3
		FROM (
			SELECT id FROM background_jobs
			WHERE (status = $2 AND (not_before IS NULL OR not_before <= $3))
			   OR (status = $1 AND lease_expires_at <= $3)
			ORDER BY priority DESC, created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		) AS picked
		WHERE j.id = picked.id
		RETURNING j.id, j.type, j.user_id, j.payload, j.status, j.priority, j.retry_count, j.max_retries,
			j.result, j.error_message, j.not_before, j.lease_expires_at, j.created_at, j.updated_at
	`, models.StatusProcessing, models.StatusPending, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	SortForDispatch(jobs)
	return jobs, nil
}

// SortForDispatch orders jobs by priority descending, then created_at ascending.
func SortForDispatch(jobs []models.Job) {
	slices.SortStableFunc(jobs, func(a, b models.Job) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// MarkCompleted transitions a processing job to completed and stores its result.
func (s *Store) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = $2, result = $3, error_message = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, []byte(result), models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

// MarkRetry returns a processing job to pending with an updated retry count and eligibility gate.
func (s *Store) MarkRetry(ctx context.Context, id string, retryCount int, notBefore time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = $2, retry_count = $3, not_before = $4, error_message = $5, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusPending, retryCount, notBefore, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

// MarkFailed flags a processing job as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_jobs
		SET status = $2, retry_count = $3, error_message = $4, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, retryCount, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

// AppendEvent adds an audit row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListEvents returns the audit trail of a job, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY ts ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobEvent, error) {
		var e models.JobEvent
		err := row.Scan(&e.JobID, &e.Event, &e.Detail, &e.Recorded)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload, result []byte
	var errMsg pgtype.Text
	var notBefore, leaseExpires pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &job.UserID, &payload, &job.Status, &job.Priority, &job.RetryCount, &job.MaxRetries,
		&result, &errMsg, &notBefore, &leaseExpires, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Payload = payload
	job.Result = result
	job.ErrorMessage = textPtr(errMsg)
	job.NotBefore = timePtr(notBefore)
	job.LeaseExpiresAt = timePtr(leaseExpires)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
