package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/sluice/pkg/domain"
)

// Registry holds the stage descriptors of one pipeline.
// Descriptors are immutable once registered.
type Registry struct {
	mu       sync.RWMutex
	stages   map[string]*domain.Stage
	order    []string            // registration order
	owners   map[string]string   // output key -> stage
	watchers map[string][]string // watched key -> stages, registration order
	defaults domain.Policy
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultPolicy sets the policy used to fill zero fields of registered stages.
func WithDefaultPolicy(p domain.Policy) Option {
	return func(r *Registry) {
		r.defaults = p.WithDefaults(domain.DefaultPolicy())
	}
}

// NewRegistry creates a new empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		stages:   make(map[string]*domain.Stage),
		owners:   make(map[string]string),
		watchers: make(map[string][]string),
		defaults: domain.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a stage. The descriptor is copied; later changes to the caller's
// slices do not affect the registry.
func (r *Registry) Register(s domain.Stage) error {
	st := clone(s)
	st.Policy = st.Policy.WithDefaults(r.defaults)

	if err := r.check(st); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.stages[st.Name]; dup {
		return &domain.RegistrationError{Stage: st.Name, Err: domain.ErrDuplicateStageName}
	}
	for _, out := range st.Outputs {
		if owner, taken := r.owners[out]; taken {
			return &domain.RegistrationError{
				Stage:  st.Name,
				Err:    domain.ErrDuplicateOutputClaim,
				Detail: fmt.Sprintf("key %q is already written by %q", out, owner),
			}
		}
	}
	if path := r.cycleThrough(st); path != nil {
		return &domain.RegistrationError{
			Stage:  st.Name,
			Err:    domain.ErrDependencyCycle,
			Detail: fmt.Sprint(path),
		}
	}

	r.stages[st.Name] = st
	r.order = append(r.order, st.Name)
	for _, out := range st.Outputs {
		r.owners[out] = st.Name
	}
	for _, w := range st.Watches {
		r.watchers[w] = append(r.watchers[w], st.Name)
	}
	return nil
}

// check validates a descriptor on its own, without looking at other stages.
func (r *Registry) check(st *domain.Stage) error {
	fail := func(err error, format string, args ...any) error {
		return &domain.RegistrationError{Stage: st.Name, Err: err, Detail: fmt.Sprintf(format, args...)}
	}

	switch {
	case st.Name == "":
		return fail(domain.ErrInvalidStage, "name is required")
	case st.Body == nil:
		return fail(domain.ErrInvalidStage, "body is required")
	case len(st.Watches) == 0:
		return fail(domain.ErrInvalidStage, "at least one watched key is required")
	}
	if err := st.Policy.Check(); err != nil {
		return fail(domain.ErrInvalidStage, "policy: %v", err)
	}

	outputs := make(map[string]struct{}, len(st.Outputs))
	for _, out := range st.Outputs {
		switch {
		case out == "":
			return fail(domain.ErrInvalidStage, "empty output key")
		case out == domain.ErrorKey:
			return fail(domain.ErrReservedKey, "%q cannot be declared as an output", out)
		}
		if _, dup := outputs[out]; dup {
			return fail(domain.ErrInvalidStage, "output %q declared twice", out)
		}
		outputs[out] = struct{}{}
	}
	for _, k := range st.Inputs() {
		if k == "" {
			return fail(domain.ErrInvalidStage, "empty input key")
		}
	}
	for _, w := range st.Watches {
		if _, own := outputs[w]; own {
			return fail(domain.ErrSelfWatch, "key %q", w)
		}
	}
	return nil
}

// cycleThrough reports a dependency path from st back to itself, if adding st would close one.
// An edge a -> b exists when b watches an output of a. Caller holds the lock.
func (r *Registry) cycleThrough(st *domain.Stage) []string {
	next := func(name string) []string {
		var s *domain.Stage
		if name == st.Name {
			s = st
		} else {
			s = r.stages[name]
		}
		var out []string
		for _, key := range s.Outputs {
			out = append(out, r.watchers[key]...)
			for _, w := range st.Watches {
				if w == key && name != st.Name {
					out = append(out, st.Name)
				}
			}
		}
		return out
	}

	visited := map[string]bool{}
	var walk func(name string, path []string) []string
	walk = func(name string, path []string) []string {
		for _, n := range next(name) {
			if n == st.Name {
				return append(path, n)
			}
			if visited[n] {
				continue
			}
			visited[n] = true
			if p := walk(n, append(path, n)); p != nil {
				return p
			}
		}
		return nil
	}
	return walk(st.Name, []string{st.Name})
}

// Lookup returns a copy of the named stage descriptor.
func (r *Registry) Lookup(name string) (domain.Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stages[name]
	if !ok {
		return domain.Stage{}, false
	}
	return *clone(*st), true
}

// Watchers returns the names of stages watching any of keys, in registration order.
func (r *Registry) Watchers(keys ...string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hit := make(map[string]struct{})
	for _, k := range keys {
		for _, name := range r.watchers[k] {
			hit[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(hit))
	for _, name := range r.order {
		if _, ok := hit[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Owner returns the stage that declares key as an output.
func (r *Registry) Owner(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.owners[key]
	return name, ok
}

// Names returns stage names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Stages returns copies of all descriptors in registration order.
func (r *Registry) Stages() []domain.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Stage, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *clone(*r.stages[name]))
	}
	return out
}

// Order returns stage names so that every stage comes after the stages producing its
// watched keys. Ties keep registration order.
func (r *Registry) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indeg := make(map[string]int, len(r.order))
	pos := make(map[string]int, len(r.order))
	for i, name := range r.order {
		pos[name] = i
		indeg[name] += 0
		for _, key := range r.stages[name].Outputs {
			for _, w := range r.watchers[key] {
				indeg[w]++
			}
		}
	}

	var ready, out []string
	for _, name := range r.order {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, name)
		for _, key := range r.stages[name].Outputs {
			for _, w := range r.watchers[key] {
				indeg[w]--
				if indeg[w] == 0 {
					ready = append(ready, w)
				}
			}
		}
		sort.SliceStable(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
	}
	return out
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func clone(s domain.Stage) *domain.Stage {
	s.Watches = append([]string(nil), s.Watches...)
	s.Reads = append([]string(nil), s.Reads...)
	s.Optional = append([]string(nil), s.Optional...)
	s.Outputs = append([]string(nil), s.Outputs...)
	if s.Schema != nil {
		schema := make(map[string]domain.KeyCheck, len(s.Schema))
		for k, v := range s.Schema {
			schema[k] = v
		}
		s.Schema = schema
	}
	return &s
}
