package resource

import (
	"context"
	"errors"
	"sort"
	"sync"

	govErrors "plugin-governor/internal/errors"
)

// ErrFactoryRejected is returned by a Factory that declines a request.
// Any other factory error is treated as an allocation failure.
var ErrFactoryRejected = errors.New("factory rejected request")

// Instance is the backing resource a pool owns
type Instance interface{}

// Request describes an acquire that needs a new instance
type Request struct {
	PluginID string
	Priority Priority
	Pool     string
	Kind     string
}

// Factory creates, checks and destroys instances of one resource kind
type Factory interface {
	Type() ResourceType
	Create(ctx context.Context, req Request) (Instance, error)
	Destroy(inst Instance) error
	Healthy(inst Instance) bool
}

// Sizer is implemented by factories whose instances count against a
// pool's memory budget.
type Sizer interface {
	SizeBytes(inst Instance) int64
}

// FuncFactory adapts plain functions to Factory. Nil destroy and healthy
// functions mean "nothing to do" and "always healthy".
type FuncFactory struct {
	resourceType ResourceType
	create       func(ctx context.Context, req Request) (Instance, error)
	destroy      func(inst Instance) error
	healthy      func(inst Instance) bool
	size         func(inst Instance) int64
}

// NewFuncFactory builds a factory from functions
func NewFuncFactory(
	t ResourceType,
	create func(ctx context.Context, req Request) (Instance, error),
	destroy func(inst Instance) error,
	healthy func(inst Instance) bool,
) *FuncFactory {
	return &FuncFactory{resourceType: t, create: create, destroy: destroy, healthy: healthy}
}

// WithSize makes the factory report instance sizes
func (f *FuncFactory) WithSize(size func(inst Instance) int64) *FuncFactory {
	f.size = size
	return f
}

func (f *FuncFactory) Type() ResourceType { return f.resourceType }

func (f *FuncFactory) Create(ctx context.Context, req Request) (Instance, error) {
	return f.create(ctx, req)
}

func (f *FuncFactory) Destroy(inst Instance) error {
	if f.destroy == nil {
		return nil
	}
	return f.destroy(inst)
}

func (f *FuncFactory) Healthy(inst Instance) bool {
	if f.healthy == nil {
		return true
	}
	return f.healthy(inst)
}

func (f *FuncFactory) SizeBytes(inst Instance) int64 {
	if f.size == nil {
		return 0
	}
	return f.size(inst)
}

// FactoryKey is the registry key for a resource type. Custom resources are
// keyed by their kind name.
func FactoryKey(t ResourceType, kind string) string {
	if t == Custom {
		return "custom:" + kind
	}
	return t.String()
}

// FactoryRegistry maps stable type keys to factories
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry creates an empty registry
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register adds f under its type. kind names Custom factories and is
// ignored otherwise.
func (r *FactoryRegistry) Register(f Factory, kind string) error {
	if f == nil {
		return govErrors.InvalidArgument("factory is nil")
	}
	if f.Type() == Custom && kind == "" {
		return govErrors.InvalidArgument("custom factories need a kind name")
	}
	key := FactoryKey(f.Type(), kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return govErrors.AlreadyExists("factory %s already registered", key)
	}
	r.factories[key] = f
	return nil
}

// Unregister removes a factory
func (r *FactoryRegistry) Unregister(t ResourceType, kind string) error {
	key := FactoryKey(t, kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; !exists {
		return govErrors.NotFound("factory %s not registered", key)
	}
	delete(r.factories, key)
	return nil
}

// Get looks up a factory
func (r *FactoryRegistry) Get(t ResourceType, kind string) (Factory, error) {
	key := FactoryKey(t, kind)

	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key]
	if !ok {
		return nil, govErrors.NotFound("factory %s not registered", key)
	}
	return f, nil
}

// Keys lists registered keys, sorted
func (r *FactoryRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
