package domain

import "time"

// Signature is a task-invocation blueprint: name, serialized args, and
// delivery options. Canvas primitives compose signatures into workflows.
type Signature struct {
	Task        string            `json:"task"`
	Args        []byte            `json:"args,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Queue       string            `json:"queue,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Countdown   time.Duration     `json:"countdown,omitempty"`
	ETA         *time.Time        `json:"eta,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Link        string            `json:"link,omitempty"`
	LinkError   string            `json:"linkError,omitempty"`
}

// Primitive is the sum type over canvas composites. Traversal yields
// signatures in pre-order; primitives hold no back-references.
type Primitive interface {
	// Signatures appends the primitive's signatures in pre-order.
	Signatures(dst []Signature) []Signature
}

// Signatures implements Primitive for a single signature.
func (s Signature) Signatures(dst []Signature) []Signature {
	return append(dst, s)
}

// Chain runs its members sequentially, each linked to the next.
type Chain struct {
	Members []Primitive `json:"members"`
}

// Signatures implements Primitive.
func (c Chain) Signatures(dst []Signature) []Signature {
	for _, m := range c.Members {
		dst = m.Signatures(dst)
	}
	return dst
}

// Group runs its members in parallel.
type Group struct {
	Members []Primitive `json:"members"`
}

// Signatures implements Primitive.
func (g Group) Signatures(dst []Signature) []Signature {
	for _, m := range g.Members {
		dst = m.Signatures(dst)
	}
	return dst
}

// Chord is a group followed by a callback that receives all group results.
type Chord struct {
	Header   Group     `json:"header"`
	Callback Signature `json:"callback"`
}

// Signatures implements Primitive.
func (c Chord) Signatures(dst []Signature) []Signature {
	dst = c.Header.Signatures(dst)
	return append(dst, c.Callback)
}
