package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"companion-jobs/internal/models"
)

// MealsSince returns the user's meals logged at or after since, oldest first.
func (s *Store) MealsSince(ctx context.Context, userID string, since time.Time) ([]models.Meal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, calories, logged_at
		FROM meals WHERE user_id = $1 AND logged_at >= $2
		ORDER BY logged_at ASC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query meals: %w", err)
	}
	meals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Meal, error) {
		var m models.Meal
		err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Calories, &m.LoggedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan meals: %w", err)
	}
	return meals, nil
}

// InsertNotification stores an in-app notification and returns its id.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) (string, error) {
	if n.UserID == "" {
		return "", errors.New("notification user_id is required")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, read, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Body, n.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return n.ID, nil
}

// ActivitySince aggregates meals, symptoms and reminders for a user since the given time.
func (s *Store) ActivitySince(ctx context.Context, userID string, since time.Time) (models.ActivitySummary, error) {
	var sum models.ActivitySummary

	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(calories), 0)
		FROM meals WHERE user_id = $1 AND logged_at >= $2
	`, userID, since).Scan(&sum.MealCount, &sum.TotalCalories); err != nil {
		return sum, fmt.Errorf("aggregate meals: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM symptoms WHERE user_id = $1 AND logged_at >= $2
	`, userID, since).Scan(&sum.SymptomCount); err != nil {
		return sum, fmt.Errorf("count symptoms: %w", err)
	}

	if sum.SymptomCount > 0 {
		err := s.pool.QueryRow(ctx, `
			SELECT name FROM symptoms WHERE user_id = $1 AND logged_at >= $2
			GROUP BY name ORDER BY COUNT(*) DESC, name ASC LIMIT 1
		`, userID, since).Scan(&sum.TopSymptom)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return sum, fmt.Errorf("top symptom: %w", err)
		}
	}

	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND kind = $2 AND created_at >= $3
	`, userID, models.NotificationPostureReminder, since).Scan(&sum.RemindersSent); err != nil {
		return sum, fmt.Errorf("count reminders: %w", err)
	}
	return sum, nil
}

// ProfileFilter selects profiles by opt-in flags; false means "don't care".
type ProfileFilter struct {
	PostureReminders bool
	WeeklySummary    bool
}

// ListProfiles returns the profiles matching f.
func (s *Store) ListProfiles(ctx context.Context, f ProfileFilter) ([]models.Profile, error) {
	q := psql.Select("user_id", "posture_reminders", "weekly_summary").
		From("profiles").
		OrderBy("user_id")
	if f.PostureReminders {
		q = q.Where(sq.Eq{"posture_reminders": true})
	}
	if f.WeeklySummary {
		q = q.Where(sq.Eq{"weekly_summary": true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build profiles query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Profile, error) {
		var p models.Profile
		err := row.Scan(&p.UserID, &p.PostureReminders, &p.WeeklySummary)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan profiles: %w", err)
	}
	return profiles, nil
}
