package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/framesync/pkg/audio/node"
	"github.com/MrWong99/framesync/pkg/frameclock"
)

var (
	// ErrUnknownKind is returned by [Registry.Create] when no factory has been
	// registered for a node kind.
	ErrUnknownKind = errors.New("config: node kind not registered")

	// ErrUnknownNode is returned when an input references a node that does
	// not exist.
	ErrUnknownNode = errors.New("config: unknown node")
)

// BuildEnv carries the shared resources a node factory needs.
type BuildEnv struct {
	Clock *frameclock.Clock

	// Capacity is the slot count of each output buffer.
	Capacity int

	// BlockSize and SampleRate describe the frames produced per tick.
	BlockSize  int
	SampleRate int

	Logger *slog.Logger
}

// Factory constructs a stopped node from its configuration. Inputs are
// connected by the caller after every node exists.
type Factory func(NodeConfig, BuildEnv) (node.Node, error)

// Registry maps node kinds to their factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[NodeKind]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[NodeKind]Factory)}
}

// Register registers factory under kind. Subsequent calls with the same kind
// overwrite the previous registration.
func (r *Registry) Register(kind NodeKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]NodeKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Create instantiates a node using the factory registered for nc.Kind.
// Returns [ErrUnknownKind] if no factory has been registered for that kind.
func (r *Registry) Create(nc NodeConfig, env BuildEnv) (node.Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[nc.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (node %q)", ErrUnknownKind, nc.Kind, nc.Name)
	}
	n, err := factory(nc, env)
	if err != nil {
		return nil, fmt.Errorf("config: create node %q: %w", nc.Name, err)
	}
	return n, nil
}
