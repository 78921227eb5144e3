package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"companion-jobs/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListFilter narrows ListJobs. Zero values mean "any".
type ListFilter struct {
	Status models.Status
	Type   string
	UserID string
	Limit  int
}

// ListJobs returns jobs matching f, newest first. Operators use it to inspect failed jobs.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := psql.Select(jobColumns).
		From("background_jobs").
		OrderBy("created_at DESC").
		Limit(uint64(limit))
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Type != "" {
		q = q.Where(sq.Eq{"type": f.Type})
	}
	if f.UserID != "" {
		q = q.Where(sq.Eq{"user_id": f.UserID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
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
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(map[models.Status]int64)
	var status string
	var n int64
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		out[models.Status(status)] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan counts: %w", err)
	}
	return out, nil
}
