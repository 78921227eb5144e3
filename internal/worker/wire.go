package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"companion-jobs/internal/analysis"
	"companion-jobs/internal/config"
)

// Store is everything the built-in handlers and the dispatcher persist through.
type Store interface {
	JobStore
	ActivityStore
}

// Components is the assembled job pipeline shared by the binaries.
type Components struct {
	Registry   *Registry
	Processor  *Processor
	Dispatcher *Dispatcher
}

// NewFromConfig registers the built-in handlers and builds a dispatcher over st.
// dl may be nil. Image analysis is only registered when AI_SERVICE_URL is set.
func NewFromConfig(ctx context.Context, cfg config.Config, st Store, dl DeadLetter, log zerolog.Logger) (*Components, error) {
	var images *ImageHandler
	if cfg.AnalysisURL != "" {
		h, err := NewImageHandler(ctx, cfg, analysis.New(cfg))
		if err != nil {
			return nil, fmt.Errorf("image handler: %w", err)
		}
		images = h
	}

	reg := NewRegistry()
	RegisterBuiltins(reg, NewActivityHandlers(st), images)

	proc := NewProcessor(st, reg, ProcessorOptions{
		Backoff:              Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		HandlerTimeout:       cfg.HandlerTimeout,
		FailFastUnknownTypes: cfg.FailFastUnknownTypes,
		DeadLetter:           dl,
		Logger:               log.With().Str("component", "processor").Logger(),
	})
	disp := NewDispatcher(st, proc, DispatcherOptions{
		BatchSize: cfg.DispatchBatchSize,
		Pacing:    cfg.DispatchPacing,
		Lease:     cfg.LeaseDuration,
		Logger:    log.With().Str("component", "dispatcher").Logger(),
	})
	log.Info().Strs("job_types", reg.Types()).Msg("handlers registered")
	return &Components{Registry: reg, Processor: proc, Dispatcher: disp}, nil
}

// NewValidationRegistry registers every built-in type for payload validation only.
// Its handlers must not be invoked.
func NewValidationRegistry() *Registry {
	reg := NewRegistry()
	RegisterBuiltins(reg, NewActivityHandlers(nil), &ImageHandler{})
	return reg
}
