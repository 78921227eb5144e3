package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"companion-jobs/internal/telemetry"
)

const (
	defaultBatchSize = 10
	defaultPacing    = 100 * time.Millisecond
	defaultLease     = 5 * time.Minute
)

// Summary is the report of one dispatcher invocation.
type Summary struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	JobsProcessed int    `json:"jobsProcessed"`
	SuccessCount  int    `json:"successCount"`
	FailureCount  int    `json:"failureCount"`
}

// DispatcherOptions tunes a Dispatcher. Zero values select defaults;
// a negative Pacing disables the inter-job delay.
type DispatcherOptions struct {
	BatchSize int
	Pacing    time.Duration
	Lease     time.Duration
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Dispatcher drains one bounded batch of eligible jobs per invocation.
// It keeps no state between invocations.
type Dispatcher struct {
	store     JobStore
	processor *Processor
	batchSize int
	pacing    time.Duration
	lease     time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewDispatcher(st JobStore, processor *Processor, opts DispatcherOptions) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Pacing == 0 {
		opts.Pacing = defaultPacing
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:     st,
		processor: processor,
		batchSize: opts.BatchSize,
		pacing:    opts.Pacing,
		lease:     opts.Lease,
		now:       opts.Now,
		log:       opts.Logger,
	}
}

// Run claims up to the batch size of eligible jobs and processes them one at a time
// in priority desc, created_at asc order. Only a failed claim returns an error;
// per-job failures are folded into the summary.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	jobs, err := d.store.ClaimBatch(ctx, d.now(), d.batchSize, d.lease)
	if err != nil {
		telemetry.DispatchRuns.WithLabelValues("error").Inc()
		return Summary{}, fmt.Errorf("fetch batch: %w", err)
	}
	telemetry.DispatchBatch.Observe(float64(len(jobs)))

	if len(jobs) == 0 {
		telemetry.DispatchRuns.WithLabelValues("empty").Inc()
		return Summary{Success: true, Message: "No pending jobs"}, nil
	}

	d.log.Info().Int("batch", len(jobs)).Msg("dispatching jobs")

	// Cancelling ctx stops the batch between jobs; the job in flight still runs
	// to completion (bounded by the handler timeout) and persists its outcome.
	work := context.WithoutCancel(ctx)

	var sum Summary
	for i, job := range jobs {
		if i > 0 {
			err := ctx.Err()
			if err == nil && d.pacing > 0 {
				err = sleepCtx(ctx, d.pacing)
			}
			if err != nil {
				// Remaining jobs keep their lease and are reclaimed after it expires.
				d.log.Warn().Err(err).Int("unprocessed", len(jobs)-i).Msg("dispatch interrupted")
				break
			}
		}
		sum.JobsProcessed++
		if d.processor.Process(work, job) == OutcomeCompleted {
			sum.SuccessCount++
		} else {
			sum.FailureCount++
		}
	}

	sum.Success = true
	sum.Message = fmt.Sprintf("Processed %d jobs", sum.JobsProcessed)
	telemetry.DispatchRuns.WithLabelValues("ok").Inc()
	d.log.Info().
		Int("processed", sum.JobsProcessed).
		Int("succeeded", sum.SuccessCount).
		Int("failed", sum.FailureCount).
		Msg("dispatch finished")
	return sum, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
