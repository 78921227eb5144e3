package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"companion-jobs/internal/models"
	"companion-jobs/internal/store"
	"companion-jobs/internal/telemetry"
	"companion-jobs/internal/worker"
)

// Dispatcher runs one bounded batch; *worker.Dispatcher satisfies it.
type Dispatcher interface {
	Run(ctx context.Context) (worker.Summary, error)
}

// Producer is the store surface the recurring producers need.
type Producer interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	ListProfiles(ctx context.Context, f store.ProfileFilter) ([]models.Profile, error)
}

// StatusCounter feeds the jobs_by_status gauge.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// DeadLetterDepth feeds the jobs_dead_letter_depth gauge.
type DeadLetterDepth interface {
	Depth(ctx context.Context) (int64, error)
}

// Options configures cron specs (six fields, seconds first, or @descriptors).
// An empty spec leaves that entry unregistered.
type Options struct {
	DispatchSpec      string
	ReminderSpec      string
	WeeklySummarySpec string
	StatsSpec         string
	MaxRetries        int
	DeadLetters       DeadLetterDepth
	Logger            zerolog.Logger
}

// Scheduler drives the dispatcher and the recurring job producers from one cron.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	producer   Producer
	stats      StatusCounter
	dead       DeadLetterDepth
	maxRetries int
	log        zerolog.Logger
	ctx        context.Context
}

// New registers all entries; it fails on the first invalid spec.
func New(d Dispatcher, p Producer, stats StatusCounter, opts Options) (*Scheduler, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	clog := cronLogger{log: opts.Logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		dispatcher: d,
		producer:   p,
		stats:      stats,
		dead:       opts.DeadLetters,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger,
		ctx:        context.Background(),
	}

	entries := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"dispatch", opts.DispatchSpec, s.dispatch},
		{"posture-reminders", opts.ReminderSpec, s.reminders},
		{"weekly-summaries", opts.WeeklySummarySpec, s.weeklySummaries},
		{"status-gauges", opts.StatsSpec, s.refreshStats},
	}
	for _, e := range entries {
		if e.spec == "" || (e.name == "status-gauges" && stats == nil && opts.DeadLetters == nil) {
			continue
		}
		fn := e.fn
		if _, err := s.cron.AddFunc(e.spec, func() { fn(s.ctx) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", e.name, e.spec, err)
		}
		s.log.Info().Str("entry", e.name).Str("spec", e.spec).Msg("scheduled")
	}
	return s, nil
}

// Start runs the cron loop in the background. Entries receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop halts scheduling and waits for running entries until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	sum, err := s.dispatcher.Run(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("dispatch invocation failed")
		return
	}
	if sum.JobsProcessed > 0 {
		s.log.Info().Str("message", sum.Message).Int("succeeded", sum.SuccessCount).Int("failed", sum.FailureCount).Msg("dispatch invocation")
	}
}

func (s *Scheduler) reminders(ctx context.Context) {
	if _, err := s.EnqueueReminders(ctx); err != nil {
		s.log.Error().Err(err).Msg("enqueue posture reminders")
	}
}

func (s *Scheduler) weeklySummaries(ctx context.Context) {
	if _, err := s.EnqueueWeeklySummaries(ctx); err != nil {
		s.log.Error().Err(err).Msg("enqueue weekly summaries")
	}
}

// EnqueueReminders creates one posture reminder job per opted-in profile.
func (s *Scheduler) EnqueueReminders(ctx context.Context) (int, error) {
	return s.fanOut(ctx, store.ProfileFilter{PostureReminders: true}, models.TypePostureReminder, json.RawMessage(`{}`))
}

// EnqueueWeeklySummaries creates one weekly summary job per opted-in profile.
func (s *Scheduler) EnqueueWeeklySummaries(ctx context.Context) (int, error) {
	return s.fanOut(ctx, store.ProfileFilter{WeeklySummary: true}, models.TypeWeeklySummary, json.RawMessage(`{"days":7}`))
}

// fanOut keeps going past individual insert failures and reports the first one.
func (s *Scheduler) fanOut(ctx context.Context, f store.ProfileFilter, jobType string, payload json.RawMessage) (int, error) {
	profiles, err := s.producer.ListProfiles(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}

	var (
		created  int
		firstErr error
	)
	for _, p := range profiles {
		_, err := s.producer.CreateJob(ctx, store.CreateJobParams{
			Type:       jobType,
			UserID:     p.UserID,
			Payload:    payload,
			MaxRetries: s.maxRetries,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", p.UserID).Str("job_type", jobType).Msg("create recurring job")
			if firstErr == nil {
				firstErr = fmt.Errorf("create %s for %s: %w", jobType, p.UserID, err)
			}
			continue
		}
		telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
		created++
	}
	s.log.Info().Str("job_type", jobType).Int("profiles", len(profiles)).Int("created", created).Msg("recurring jobs enqueued")
	return created, firstErr
}

func (s *Scheduler) refreshStats(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if s.dead != nil {
		// Depth sets the gauge itself.
		if _, err := s.dead.Depth(ctx); err != nil {
			s.log.Warn().Err(err).Msg("dead letter depth")
		}
	}
	if s.stats == nil {
		return
	}
	counts, err := s.stats.CountByStatus(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("count jobs by status")
		return
	}
	for _, st := range []models.Status{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		telemetry.JobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
