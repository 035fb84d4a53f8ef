package escore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Registry maps event type names to factories so stored payloads can be
// decoded back into concrete Event values. Construct one at startup, register
// every event type of the domain and hand it to the store.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
	names     map[reflect.Type][]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]func() Event{},
		names:     map[reflect.Type][]string{},
	}
}

// Register registers a factory under the EventType() of the value it returns.
//
// Panics if fn is nil, returns nil, or the name is already registered.
//
//	reg.Register(func() escore.Event { return &AccountOpened{} })
func (r *Registry) Register(fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	ev := fn()
	if ev == nil {
		panic("factory returned nil event")
	}
	r.RegisterAs(ev.EventType(), fn)
}

// RegisterAs registers a factory under a custom name, for instance to keep
// decoding an event type that was renamed.
func (r *Registry) RegisterAs(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}

	ev := fn()
	if ev == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}

	r.factories[name] = fn
	t := reflect.TypeOf(ev)
	r.names[t] = append(r.names[t], name)
}

// New returns a fresh instance of the event registered under name.
func (r *Registry) New(name string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &SerializationError{EventType: name, Err: fmt.Errorf("event not registered")}
	}
	ev := factory()
	if ev == nil {
		return nil, &SerializationError{EventType: name, Err: fmt.Errorf("factory returned nil")}
	}
	return ev, nil
}

// Decode builds the event registered under name from its JSON payload.
// Factories may return pointers or values; the decoded event has the same
// shape as the factory's result.
func (r *Registry) Decode(name string, data []byte) (Event, error) {
	ev, err := r.New(name)
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(ev)
	if rv.Kind() == reflect.Pointer {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, &SerializationError{EventType: name, Err: err}
		}
		return ev, nil
	}

	ptr := reflect.New(rv.Type())
	ptr.Elem().Set(rv)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, &SerializationError{EventType: name, Err: err}
	}
	decoded, ok := ptr.Elem().Interface().(Event)
	if !ok {
		return nil, &SerializationError{EventType: name, Err: fmt.Errorf("%T is not an event", ptr.Elem().Interface())}
	}
	return decoded, nil
}

// NamesFor returns every name the concrete type of ev is registered under,
// sorted.
func (r *Registry) NamesFor(ev Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.names[reflect.TypeOf(ev)]...)
	sort.Strings(names)
	return names
}

// TypeName returns the unqualified Go type name of v, dereferencing pointers.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
