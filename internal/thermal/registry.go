package thermal

import (
	"sync"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

// Factory builds one instance of a registered type from its entry params
type Factory[T any] func(params Params) (T, error)

type table[T any] struct {
	kind      string
	order     []string
	factories map[string]Factory[T]
}

func newTable[T any](kind string) table[T] {
	return table[T]{kind: kind, factories: make(map[string]Factory[T])}
}

func (t *table[T]) register(key string, f Factory[T]) error {
	errFactory := errors.New()

	if key == "" || f == nil {
		return errFactory.WithData(errors.ErrInvalidArgument, t.kind+" registration needs a key and a factory")
	}
	if _, ok := t.factories[key]; ok {
		return errFactory.WithData(ErrDuplicateKey, t.kind+" "+key)
	}

	t.factories[key] = f
	t.order = append(t.order, key)

	return nil
}

func (t *table[T]) create(key string, params Params) (T, error) {
	var zero T

	f, ok := t.factories[key]
	if !ok {
		return zero, errors.New().WithData(ErrUnknownKey, t.kind+" "+key)
	}

	v, err := f(params)
	if err != nil {
		return zero, errors.New().Wrap(errors.CodeOf(err), err).WithMessage(t.kind + " " + key)
	}

	return v, nil
}

func (t *table[T]) keys() []string {
	return append([]string(nil), t.order...)
}

// Registry maps configuration keys to Info, Condition and Action
// constructors. Each category is its own key space. A Registry is filled at
// start-up and sealed before policies are loaded; after Seal it is
// read-only and safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sealed     bool
	infos      table[Info]
	conditions table[Condition]
	actions    table[Action]
}

// NewRegistry returns an empty, unsealed registry
func NewRegistry() *Registry {
	return &Registry{
		infos:      newTable[Info]("info"),
		conditions: newTable[Condition]("condition"),
		actions:    newTable[Action]("action"),
	}
}

func (r *Registry) RegisterInfo(key string, f Factory[Info]) error {
	return r.locked(func() error { return r.infos.register(key, f) })
}

func (r *Registry) RegisterCondition(key string, f Factory[Condition]) error {
	return r.locked(func() error { return r.conditions.register(key, f) })
}

func (r *Registry) RegisterAction(key string, f Factory[Action]) error {
	return r.locked(func() error { return r.actions.register(key, f) })
}

func (r *Registry) locked(register func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errors.New().New(ErrRegistrySealed)
	}
	return register()
}

// Seal makes the registry immutable
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) CreateInfo(key string, params Params) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infos.create(key, params)
}

func (r *Registry) CreateCondition(key string, params Params) (Condition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conditions.create(key, params)
}

func (r *Registry) CreateAction(key string, params Params) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions.create(key, params)
}

// InfoKeys returns the registered Info keys in registration order
func (r *Registry) InfoKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infos.keys()
}

func (r *Registry) ConditionKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conditions.keys()
}

func (r *Registry) ActionKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions.keys()
}
