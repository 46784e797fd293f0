package pktwire

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// NotFound is returned by [Registry.IDOf] for unregistered types.
const NotFound int32 = -1

type registration struct {
	id      int32
	typ     reflect.Type
	factory func() Packet
}

// Registry is a bijection between packet ids and packet types.
//
// It is meant to be filled at startup then only read, but is safe for
// concurrent use either way.
type Registry struct {
	byID   map[int32]registration
	byType map[reflect.Type]int32
	lk     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int32]registration),
		byType: make(map[reflect.Type]int32),
	}
}

// Register binds id to the type of the packets factory returns.
//
// The factory is called once to learn the type. It fails if id is
// negative or taken, if the type is already bound, or if the factory
// cannot build a packet. The registry is unchanged on failure.
func (r *Registry) Register(id int32, factory func() Packet) error {
	if id < 0 {
		return fmt.Errorf("%w: negative id %d", ErrRegistration, id)
	}
	if factory == nil {
		return fmt.Errorf("%w: id %d has no factory", ErrRegistration, id)
	}

	sample, err := construct(factory)
	if err != nil {
		return fmt.Errorf("%w: id %d: %w", ErrRegistration, id, err)
	}
	typ := reflect.TypeOf(sample)
	if typ.Kind() != reflect.Pointer {
		return fmt.Errorf("%w: id %d: %s is not a pointer type", ErrRegistration, id, typ)
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	if prev, taken := r.byID[id]; taken {
		return fmt.Errorf("%w: id %d already bound to %s", ErrRegistration, id, prev.typ)
	}
	if prev, taken := r.byType[typ]; taken {
		return fmt.Errorf("%w: %s already bound to id %d", ErrRegistration, typ, prev)
	}
	r.byID[id] = registration{id: id, typ: typ, factory: factory}
	r.byType[typ] = id
	return nil
}

// RegisterType binds id to *P, packets are built with new(P).
func RegisterType[P any, PT interface {
	*P
	Packet
}](r *Registry, id int32) error {
	return r.Register(id, func() Packet { return PT(new(P)) })
}

// MustRegister panics on registration errors, for package level
// initialisation.
func (r *Registry) MustRegister(id int32, factory func() Packet) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) IDOf(p Packet) int32 {
	if p == nil {
		return NotFound
	}
	return r.IDOfType(reflect.TypeOf(p))
}

func (r *Registry) IDOfType(t reflect.Type) int32 {
	r.lk.RLock()
	defer r.lk.RUnlock()
	id, ok := r.byType[t]
	if !ok {
		return NotFound
	}
	return id
}

// TypeOf returns the type bound to id, nil if there is none.
func (r *Registry) TypeOf(id int32) reflect.Type {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return r.byID[id].typ
}

func (r *Registry) ContainsID(id int32) bool {
	r.lk.RLock()
	defer r.lk.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int32 {
	r.lk.RLock()
	ids := make([]int32, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.lk.RUnlock()
	slices.Sort(ids)
	return ids
}

// Construct returns a new packet of the type bound to id.
func (r *Registry) Construct(id int32) (Packet, error) {
	r.lk.RLock()
	reg, ok := r.byID[id]
	r.lk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d is not registered", ErrInstantiation, id)
	}

	p, err := construct(reg.factory)
	if err != nil {
		return nil, fmt.Errorf("%w: id %d: %w", ErrInstantiation, id, err)
	}
	if reflect.TypeOf(p) != reg.typ {
		return nil, fmt.Errorf("%w: id %d: factory returned %T instead of %s",
			ErrInstantiation, id, p, reg.typ)
	}
	return p, nil
}

func construct(factory func() Packet) (p Packet, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("factory panicked: %v", rec)
		}
	}()
	p = factory()
	if p == nil {
		return nil, fmt.Errorf("factory returned nil")
	}
	if v := reflect.ValueOf(p); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, fmt.Errorf("factory returned a nil %T", p)
	}
	return p, nil
}
