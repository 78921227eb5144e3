package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"companion-jobs/internal/models"
	"companion-jobs/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore mirrors the Postgres claim and conditional-update semantics in memory.
type memStore struct {
	mu       sync.Mutex
	clock    *fakeClock
	jobs     map[string]*models.Job
	events   []models.JobEvent
	seq      int
	claimErr error
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{clock: clock, jobs: make(map[string]*models.Job)}
}

func (m *memStore) add(jobType string, priority int, payload string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := m.clock.Now().Add(time.Duration(m.seq) * time.Millisecond)
	if payload == "" {
		payload = "{}"
	}
	j := &models.Job{
		ID:         fmt.Sprintf("job-%02d", m.seq),
		Type:       jobType,
		UserID:     "user-1",
		Payload:    json.RawMessage(payload),
		Status:     models.StatusPending,
		Priority:   priority,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.jobs[j.ID] = j
	return *j
}

func (m *memStore) get(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) ClaimBatch(_ context.Context, now time.Time, limit int, lease time.Duration) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	var eligible []models.Job
	for _, j := range m.jobs {
		if j.Eligible(now) {
			eligible = append(eligible, *j)
		}
	}
	store.SortForDispatch(eligible)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	expires := now.Add(lease)
	for i := range eligible {
		j := m.jobs[eligible[i].ID]
		j.Status = models.StatusProcessing
		j.LeaseExpiresAt = &expires
		j.UpdatedAt = now
		eligible[i] = *j
	}
	return eligible, nil
}

func (m *memStore) claimed(id string) (*models.Job, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusProcessing {
		return nil, fmt.Errorf("%w: %s", store.ErrNotClaimed, id)
	}
	return j, nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.claimed(id)
	if err != nil {
		return err
	}
	j.Status = models.StatusCompleted
	j.Result = result
	j.ErrorMessage = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memStore) MarkRetry(_ context.Context, id string, retryCount int, notBefore time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.claimed(id)
	if err != nil {
		return err
	}
	j.Status = models.StatusPending
	j.RetryCount = retryCount
	j.NotBefore = &notBefore
	j.ErrorMessage = &errMsg
	j.LeaseExpiresAt = nil
	j.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.claimed(id)
	if err != nil {
		return err
	}
	j.Status = models.StatusFailed
	j.RetryCount = retryCount
	j.ErrorMessage = &errMsg
	j.LeaseExpiresAt = nil
	j.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, models.JobEvent{JobID: jobID, Event: event, Detail: detail, Recorded: m.clock.Now()})
	return nil
}

type recordingDeadLetter struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (d *recordingDeadLetter) Push(_ context.Context, job models.Job, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}
