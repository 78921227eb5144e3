package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"companion-jobs/internal/models"
	"companion-jobs/internal/telemetry"
)

// JobStore is the persistence the processor and dispatcher rely on.
type JobStore interface {
	ClaimBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.Job, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkRetry(ctx context.Context, id string, retryCount int, notBefore time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// DeadLetter receives jobs that exhausted their retries.
type DeadLetter interface {
	Push(ctx context.Context, job models.Job, reason string) error
}

// Outcome is the result of processing one job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means the job was not in processing or its claim was lost mid-flight.
	OutcomeSkipped Outcome = "skipped"
)

// ProcessorOptions tunes a Processor. Zero values select defaults.
type ProcessorOptions struct {
	Backoff              Backoff
	HandlerTimeout       time.Duration
	FailFastUnknownTypes bool
	DeadLetter           DeadLetter
	Now                  func() time.Time
	Logger               zerolog.Logger
}

// Processor executes a single claimed job and applies the resulting transition.
type Processor struct {
	store           JobStore
	registry        *Registry
	deadLetter      DeadLetter
	backoff         Backoff
	timeout         time.Duration
	failFastUnknown bool
	now             func() time.Time
	log             zerolog.Logger
}

func NewProcessor(st JobStore, reg *Registry, opts ProcessorOptions) *Processor {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Processor{
		store:           st,
		registry:        reg,
		deadLetter:      opts.DeadLetter,
		backoff:         opts.Backoff,
		timeout:         opts.HandlerTimeout,
		failFastUnknown: opts.FailFastUnknownTypes,
		now:             opts.Now,
		log:             opts.Logger,
	}
}

// Process runs the handler for job, which must already be claimed (status processing),
// and persists the transition. It never returns an error: failures become status changes.
func (p *Processor) Process(ctx context.Context, job models.Job) Outcome {
	log := p.log.With().Str("job_id", job.ID).Str("job_type", job.Type).Int("retry_count", job.RetryCount).Logger()

	// Only a claimed job may move to an outcome state.
	if !models.CanTransition(job.Status, models.StatusCompleted) {
		if job.Status.Terminal() {
			log.Warn().Str("status", string(job.Status)).Msg("job already finished, skipping")
		} else {
			log.Warn().Str("status", string(job.Status)).Msg("job is not claimed, skipping")
		}
		return OutcomeSkipped
	}
	p.appendEvent(ctx, log, job.ID, models.EventClaimed, fmt.Sprintf("attempt=%d", job.RetryCount+1))

	handler, ok := p.registry.Lookup(job.Type)
	if !ok {
		err := fmt.Errorf("%w %q", ErrNoHandler, job.Type)
		if p.failFastUnknown {
			return p.fail(ctx, log, job, job.RetryCount+1, err)
		}
		return p.handleFailure(ctx, log, job, err)
	}

	start := time.Now()
	result, err := p.runHandler(ctx, handler, job)
	telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	if err != nil {
		return p.handleFailure(ctx, log, job, err)
	}

	if err := p.store.MarkCompleted(ctx, job.ID, result); err != nil {
		log.Error().Err(err).Msg("persist completion")
		return OutcomeSkipped
	}
	p.appendEvent(ctx, log, job.ID, models.EventCompleted, "handler succeeded")
	telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
	log.Info().Dur("elapsed", time.Since(start)).Msg("job completed")
	return OutcomeCompleted
}

// runHandler races the handler against the per-job deadline so a handler that
// ignores its context still cannot block the batch.
func (p *Processor) runHandler(ctx context.Context, h Handler, job models.Job) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type handlerResult struct {
		value any
		err   error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := h.Handle(ctx, job)
		done <- handlerResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.value == nil {
			return json.RawMessage(`{}`), nil
		}
		raw, err := json.Marshal(res.value)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		if string(raw) == "null" {
			raw = json.RawMessage(`{}`)
		}
		return raw, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("handler timed out after %s: %w", p.timeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (p *Processor) handleFailure(ctx context.Context, log zerolog.Logger, job models.Job, cause error) Outcome {
	retryCount := job.RetryCount + 1
	if retryCount >= job.MaxRetries {
		return p.fail(ctx, log, job, retryCount, cause)
	}

	delay := p.backoff.Delay(job.RetryCount)
	notBefore := p.now().Add(delay)
	msg := fmt.Sprintf("attempt %d/%d failed: %v (retry in %dms)", retryCount, job.MaxRetries, cause, delay.Milliseconds())
	if err := p.store.MarkRetry(ctx, job.ID, retryCount, notBefore, msg); err != nil {
		log.Error().Err(err).Msg("persist retry")
		return OutcomeSkipped
	}
	p.appendEvent(ctx, log, job.ID, models.EventRetryScheduled,
		fmt.Sprintf("not_before=%s retry_count=%d", notBefore.UTC().Format(time.RFC3339), retryCount))
	telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
	log.Warn().Err(cause).Int("attempt", retryCount).Dur("backoff", delay).Msg("job failed, will retry")
	return OutcomeRetry
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, job models.Job, retryCount int, cause error) Outcome {
	msg := fmt.Sprintf("failed after %d attempts: %v", retryCount, cause)
	if err := p.store.MarkFailed(ctx, job.ID, retryCount, msg); err != nil {
		log.Error().Err(err).Msg("persist terminal failure")
		return OutcomeSkipped
	}
	p.appendEvent(ctx, log, job.ID, models.EventFailed, cause.Error())
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	log.Error().Err(cause).Int("attempts", retryCount).Msg("job permanently failed")

	if p.deadLetter != nil {
		job.Status = models.StatusFailed
		job.RetryCount = retryCount
		job.ErrorMessage = &msg
		if err := p.deadLetter.Push(ctx, job, msg); err != nil {
			log.Error().Err(err).Msg("push dead letter")
		}
	}
	return OutcomeFailed
}

func (p *Processor) appendEvent(ctx context.Context, log zerolog.Logger, jobID, event, detail string) {
	if err := p.store.AppendEvent(ctx, jobID, event, detail); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("append job event")
	}
}
