// Package codec provides the content-typed serializer used for every
// payload that crosses a store or broker boundary: task messages, results,
// saga records, outbox rows, dead letters, and signal envelopes.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// ContentTypeJSON is the codec's wire content type.
const ContentTypeJSON = "application/json"

// Codec converts between values and wire bytes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec serializes camelCase JSON with omitted nulls. Core types are
// pre-registered in a table keyed by type identity so envelopes carrying a
// type name (signals, saga steps) can be reconstructed concretely;
// everything else goes through the reflective encoder.
type JSONCodec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewJSON returns a JSONCodec with every core type pre-registered.
func NewJSON() *JSONCodec {
	c := &JSONCodec{types: make(map[string]reflect.Type)}
	for _, v := range []any{
		domain.TaskMessage{},
		domain.TaskResult{},
		domain.ExceptionInfo{},
		domain.DelayedMessage{},
		domain.OutboxMessage{},
		domain.InboxRecord{},
		domain.DeadLetterMessage{},
		domain.Saga{},
		domain.SagaStep{},
		domain.Signature{},
		domain.Chain{},
		domain.Group{},
		domain.Chord{},
		domain.Signal{},
		domain.RevocationRecord{},
		domain.PartitionLock{},
		domain.ExecutionRecord{},
		domain.MetricsSnapshot{},
	} {
		c.RegisterType(v)
	}
	return c
}

// ContentType implements Codec.
func (c *JSONCodec) ContentType() string { return ContentTypeJSON }

// Marshal implements Codec.
func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=codec.marshal type=%T: %w", v, err)
	}
	return b, nil
}

// Unmarshal implements Codec.
func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("op=codec.unmarshal type=%T err=%v: %w", v, err, domain.ErrDeserialization)
	}
	return nil
}

// RegisterType adds a type to the table under its bare type name.
// Re-registration overwrites.
func (c *JSONCodec) RegisterType(v any) {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c.mu.Lock()
	c.types[t.Name()] = t
	c.mu.Unlock()
}

// Decode reconstructs a registered type by name from wire bytes. The return
// value is a pointer to a fresh instance of the registered type.
func (c *JSONCodec) Decode(typeName string, data []byte) (any, error) {
	c.mu.RLock()
	t, ok := c.types[typeName]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=codec.decode type=%s: %w", typeName, domain.ErrNotFound)
	}
	v := reflect.New(t).Interface()
	if err := c.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}
