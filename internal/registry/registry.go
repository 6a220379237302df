// Package registry maps task names to handler descriptors. Typed handlers
// are erased at registration time to a bytes-in/bytes-out closure; the
// declared input and output types stay on the descriptor for tooling.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fairyhunter13/celerity/internal/codec"
	"github.com/fairyhunter13/celerity/internal/domain"
)

// Handler is the erased form every task handler is stored as.
type Handler func(ctx context.Context, args []byte) ([]byte, error)

// Options configures per-task execution behavior.
type Options struct {
	// Queue routes the task when the producer does not choose one.
	Queue string
	// MaxRetries overrides the message default when > 0.
	MaxRetries int
	// RateLimit gates starts per task name when Limit > 0.
	RateLimit domain.RateLimitPolicy
	// TimeLimit bounds a single execution when > 0.
	TimeLimit time.Duration
	// Idempotent marks the handler safe to re-run; the executor skips the
	// inbox de-duplication check for idempotent tasks.
	Idempotent bool
	// SingleFlight enables the execution tracker for this task.
	SingleFlight bool
	// SingleFlightTTL bounds how long a single-flight record may live.
	SingleFlightTTL time.Duration
	// ResultExpiry bounds how long results are retained; zero means the
	// backend default.
	ResultExpiry time.Duration
}

// Descriptor is a registered task: name, erased handler, declared types,
// and options.
type Descriptor struct {
	Name       string
	Handler    Handler
	InputType  reflect.Type
	OutputType reflect.Type
	Options    Options
}

// Registry is the task-name → descriptor map. Duplicate registration is
// last-writer-wins; a missing lookup surfaces domain.ErrUnknownTask.
type Registry struct {
	mu    sync.RWMutex
	codec codec.Codec
	tasks map[string]Descriptor
}

// New returns an empty registry using the given codec for argument
// marshaling.
func New(c codec.Codec) *Registry {
	return &Registry{codec: c, tasks: make(map[string]Descriptor)}
}

// RegisterRaw registers an already-erased handler.
func (r *Registry) RegisterRaw(name string, h Handler, opts Options) {
	r.mu.Lock()
	r.tasks[name] = Descriptor{Name: name, Handler: h, Options: opts}
	r.mu.Unlock()
}

// Get returns the descriptor for a task name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("op=registry.get task=%s: %w", name, domain.ErrUnknownTask)
	}
	return d, nil
}

// All returns a snapshot of every registered descriptor.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tasks))
	for _, d := range r.tasks {
		out = append(out, d)
	}
	return out
}

// Register wires a typed handler into the registry, wrapping it with the
// registry codec for argument and result conversion.
func Register[I any, O any](r *Registry, name string, fn func(ctx context.Context, in I) (O, error), opts Options) {
	c := r.codec
	erased := func(ctx context.Context, args []byte) ([]byte, error) {
		var in I
		if len(args) > 0 {
			if err := c.Unmarshal(args, &in); err != nil {
				return nil, err
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return c.Marshal(out)
	}
	r.mu.Lock()
	r.tasks[name] = Descriptor{
		Name:       name,
		Handler:    erased,
		InputType:  reflect.TypeOf((*I)(nil)).Elem(),
		OutputType: reflect.TypeOf((*O)(nil)).Elem(),
		Options:    opts,
	}
	r.mu.Unlock()
}
