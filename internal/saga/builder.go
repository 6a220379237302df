package saga

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/celerity/internal/domain"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// Builder assembles a saga definition step by step.
type Builder struct {
	saga domain.Saga
}

// NewBuilder starts a saga definition.
func NewBuilder(name string) *Builder {
	return &Builder{saga: domain.Saga{
		ID:            newID(),
		Name:          name,
		State:         domain.SagaCreated,
		CorrelationID: uuid.NewString(),
	}}
}

// WithCorrelationID overrides the generated correlation id.
func (b *Builder) WithCorrelationID(id string) *Builder {
	b.saga.CorrelationID = id
	return b
}

// WithMetadata attaches a metadata entry.
func (b *Builder) WithMetadata(key, value string) *Builder {
	if b.saga.Metadata == nil {
		b.saga.Metadata = make(map[string]string)
	}
	b.saga.Metadata[key] = value
	return b
}

// Step appends a compensable step. Pass a nil compensate for steps that need
// no rollback.
func (b *Builder) Step(name string, execute domain.Signature, compensate *domain.Signature) *Builder {
	b.saga.Steps = append(b.saga.Steps, domain.SagaStep{
		ID:         newID(),
		Name:       name,
		Order:      len(b.saga.Steps),
		Execute:    execute,
		Compensate: compensate,
		State:      domain.StepPending,
	})
	return b
}

// Build returns the assembled saga, ready for Orchestrator.Start.
func (b *Builder) Build() domain.Saga {
	return b.saga
}
