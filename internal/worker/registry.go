package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"companion-jobs/internal/models"
)

// ErrNoHandler is returned when a job's type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler executes one job and returns a JSON-serializable result.
type Handler interface {
	// Validate reports whether payload decodes into the handler's payload shape.
	Validate(payload json.RawMessage) error
	Handle(ctx context.Context, job models.Job) (any, error)
}

// HandlerFunc is the typed form of a handler: the payload arrives already decoded.
type HandlerFunc[P any] func(ctx context.Context, job models.Job, payload P) (any, error)

// payloadValidator is implemented by payload types with field-level rules.
type payloadValidator interface {
	Validate() error
}

// Typed adapts fn into a Handler that decodes the job payload into P first.
func Typed[P any](fn HandlerFunc[P]) Handler {
	return typedHandler[P]{fn: fn}
}

type typedHandler[P any] struct {
	fn HandlerFunc[P]
}

func (h typedHandler[P]) Validate(payload json.RawMessage) error {
	_, err := decodePayload[P](payload)
	return err
}

func (h typedHandler[P]) Handle(ctx context.Context, job models.Job) (any, error) {
	p, err := decodePayload[P](job.Payload)
	if err != nil {
		return nil, err
	}
	return h.fn(ctx, job, p)
}

func decodePayload[P any](raw json.RawMessage) (P, error) {
	var p P
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return p, errors.New("decode payload: trailing data after JSON value")
	}
	if v, ok := any(&p).(payloadValidator); ok {
		if err := v.Validate(); err != nil {
			return p, fmt.Errorf("invalid payload: %w", err)
		}
	}
	return p, nil
}

// Registry maps job types to handlers. It is built once at startup and
// shared read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type.
func (r *Registry) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	r.handlers[jobType] = handler
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// Validate checks payload against the handler registered for jobType.
func (r *Registry) Validate(jobType string, payload json.RawMessage) error {
	h, ok := r.Lookup(jobType)
	if !ok {
		return fmt.Errorf("%w %q", ErrNoHandler, jobType)
	}
	return h.Validate(payload)
}

// Types lists the registered job types in lexical order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
