package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-jobs/internal/models"
	"companion-jobs/internal/store"
	"companion-jobs/internal/testutil"
)

func TestClaimBatchOrderAndLease(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	low, err := st.CreateJob(ctx, store.CreateJobParams{Type: "weekly-summary", UserID: "u1", Priority: 0})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	highOld, err := st.CreateJob(ctx, store.CreateJobParams{Type: "weekly-summary", UserID: "u1", Priority: 5})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	highNew, err := st.CreateJob(ctx, store.CreateJobParams{Type: "weekly-summary", UserID: "u1", Priority: 5})
	require.NoError(t, err)

	now := time.Now().UTC()
	jobs, err := st.ClaimBatch(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{highOld.ID, highNew.ID, low.ID}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	for _, j := range jobs {
		assert.Equal(t, models.StatusProcessing, j.Status)
		require.NotNil(t, j.LeaseExpiresAt)
	}

	// Leased jobs are invisible until the lease expires.
	again, err := st.ClaimBatch(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	reclaimed, err := st.ClaimBatch(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 3)
}

func TestRetryHonorsNotBefore(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, store.CreateJobParams{Type: "image-analysis", UserID: "u1", MaxRetries: 3})
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := st.ClaimBatch(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, st.MarkRetry(ctx, job.ID, 1, now.Add(10*time.Second), "attempt 1/3 failed"))

	none, err := st.ClaimBatch(ctx, now.Add(5*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	due, err := st.ClaimBatch(ctx, now.Add(11*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	require.NotNil(t, due[0].ErrorMessage)
}

func TestStatusWritesRequireClaim(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, store.CreateJobParams{Type: "weekly-summary", UserID: "u1"})
	require.NoError(t, err)

	err = st.MarkCompleted(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	assert.True(t, errors.Is(err, store.ErrNotClaimed))

	_, err = st.ClaimBatch(ctx, time.Now().UTC(), 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, job.ID, json.RawMessage(`{"ok":true}`)))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.LeaseExpiresAt)

	// Completed jobs never move backward.
	err = st.MarkRetry(ctx, job.ID, 1, time.Now(), "late failure")
	assert.True(t, errors.Is(err, store.ErrNotClaimed))

	events, err := st.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventEnqueued, events[0].Event)
}

func TestGetJobNotFound(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	_, err := st.GetJob(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, store.ErrJobNotFound))
}

func TestListJobsFilters(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, store.CreateJobParams{Type: "weekly-summary", UserID: "u1"})
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, store.CreateJobParams{Type: "image-analysis", UserID: "u2"})
	require.NoError(t, err)

	jobs, err := st.ListJobs(ctx, store.ListFilter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "image-analysis", jobs[0].Type)

	jobs, err = st.ListJobs(ctx, store.ListFilter{Status: models.StatusPending, Type: "weekly-summary"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusPending])
}

func TestActivitySince(t *testing.T) {
	st, pool := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := pool.Exec(ctx, `
		INSERT INTO meals (user_id, name, calories, logged_at) VALUES
			('u1', 'oats', 300, $1), ('u1', 'salad', 200, $1), ('u1', 'old', 999, $2), ('u2', 'x', 50, $1)
	`, now.Add(-time.Hour), now.Add(-10*24*time.Hour))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO symptoms (user_id, name, logged_at) VALUES
			('u1', 'nausea', $1), ('u1', 'nausea', $1), ('u1', 'fatigue', $1)
	`, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = st.InsertNotification(ctx, models.Notification{UserID: "u1", Kind: models.NotificationPostureReminder, Title: "t"})
	require.NoError(t, err)

	since := now.Add(-7 * 24 * time.Hour)
	sum, err := st.ActivitySince(ctx, "u1", since)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.MealCount)
	assert.InDelta(t, 500, sum.TotalCalories, 0.001)
	assert.Equal(t, 3, sum.SymptomCount)
	assert.Equal(t, "nausea", sum.TopSymptom)
	assert.Equal(t, 1, sum.RemindersSent)

	meals, err := st.MealsSince(ctx, "u1", since)
	require.NoError(t, err)
	assert.Len(t, meals, 2)
}

func TestListProfiles(t *testing.T) {
	st, pool := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO profiles (user_id, posture_reminders, weekly_summary) VALUES
			('a', TRUE, FALSE), ('b', FALSE, TRUE), ('c', TRUE, TRUE)
	`)
	require.NoError(t, err)

	reminders, err := st.ListProfiles(ctx, store.ProfileFilter{PostureReminders: true})
	require.NoError(t, err)
	require.Len(t, reminders, 2)
	assert.Equal(t, "a", reminders[0].UserID)

	all, err := st.ListProfiles(ctx, store.ProfileFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
