package worker

import (
	"context"
	"sync"

	"github.com/thought-machine/temperance/temperance/guardian"
)

// A Handler performs a single type of job.
type Handler func(ctx context.Context, job *Job) error

// An Override adjusts the guardian's configuration for one type of job.
type Override func(*guardian.Config)

// WithMemLimit overrides the per-process memory limit for a job.
func WithMemLimit(kb uint64) Override {
	return func(c *guardian.Config) { c.MemLimitKB = kb }
}

// WithVerbose enables logging of memory usage on every check for a job.
func WithVerbose() Override {
	return func(c *guardian.Config) { c.Verbose = true }
}

type registration struct {
	handler   Handler
	overrides []Override
}

// A Registry maps job names to their handlers.
// Handlers are registered bare; the guardian is attached once per job when it is dispatched,
// so registering the same name more than once never stacks up additional monitors.
type Registry struct {
	mutex     sync.RWMutex
	handlers  map[string]registration
	overrides map[string][]Override
}

// NewRegistry returns a new, empty, Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  map[string]registration{},
		overrides: map[string][]Override{},
	}
}

// Register registers a handler for the given job name, replacing any existing one.
func (r *Registry) Register(name string, handler Handler, overrides ...Override) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, present := r.handlers[name]; present {
		log.Notice("Replacing existing handler for %s", name)
	}
	r.handlers[name] = registration{handler: handler, overrides: overrides}
}

// Override adds configuration overrides for the given job name, in addition to any it was
// registered with. It can be called before or after the job is registered.
func (r *Registry) Override(name string, overrides ...Override) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.overrides[name] = append(r.overrides[name], overrides...)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.handlers)
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	reg, present := r.handlers[name]
	if extra := r.overrides[name]; len(extra) > 0 {
		reg.overrides = append(append([]Override{}, reg.overrides...), extra...)
	}
	return reg, present
}
