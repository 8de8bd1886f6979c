package sync

import (
	"fmt"
	"sort"
	"sync"

	"balagruha-offline-sync/internal/integrations/remote"
)

// Kind decides how a queued operation is replayed.
type Kind int

const (
	// KindDirect creates a new entity; the generated id travels in the payload.
	KindDirect Kind = iota + 1
	// KindDependent targets an entity created offline; its remote id must be
	// resolved before the path can be addressed.
	KindDependent
	// KindPassthrough is replayed unchanged.
	KindPassthrough
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindDependent:
		return "dependent"
	case KindPassthrough:
		return "passthrough"
	}
	return "unknown"
}

// Operation describes one replayable business action.
type Operation struct {
	Name   string
	Kind   Kind
	Entity remote.EntityKind // only for KindDependent
	// Multipart marks operations whose original request was a form upload.
	// Records carrying attachments are always sent as multipart.
	Multipart bool
}

// Registry maps operation tags to their replay behavior.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

// DefaultRegistry returns the operations known to the Balagruha platform.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, op := range []Operation{
		{Name: "create-user", Kind: KindDirect, Multipart: true},
		{Name: "edit-user", Kind: KindDependent, Entity: remote.EntityUser, Multipart: true},
		{Name: "delete-user", Kind: KindDependent, Entity: remote.EntityUser},
		{Name: "create-machine", Kind: KindDirect},
		{Name: "toggle-machine-status", Kind: KindDependent, Entity: remote.EntityMachine},
		{Name: "assign-machine", Kind: KindDependent, Entity: remote.EntityMachine},
		{Name: "delete-machine", Kind: KindDependent, Entity: remote.EntityMachine},
		{Name: "create-task", Kind: KindDirect},
		{Name: "update-task", Kind: KindDependent, Entity: remote.EntityTask},
		{Name: "create-balagruha", Kind: KindDirect},
		{Name: "update-balagruha", Kind: KindPassthrough},
		{Name: "delete-balagruha", Kind: KindPassthrough},
	} {
		// the built-in table is valid
		_ = r.Register(op)
	}
	return r
}

// Register adds or replaces an operation.
func (r *Registry) Register(op Operation) error {
	if op.Name == "" {
		return fmt.Errorf("operation name is required")
	}
	switch op.Kind {
	case KindDirect, KindPassthrough:
	case KindDependent:
		if !op.Entity.Valid() {
			return fmt.Errorf("dependent operation %s needs an entity kind, got %q", op.Name, op.Entity)
		}
	default:
		return fmt.Errorf("operation %s has no replay kind", op.Name)
	}

	r.mu.Lock()
	r.ops[op.Name] = op
	r.mu.Unlock()
	return nil
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// IsDirectCreate reports whether name creates a new entity.
func (r *Registry) IsDirectCreate(name string) bool {
	op, ok := r.Lookup(name)
	return ok && op.Kind == KindDirect
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
