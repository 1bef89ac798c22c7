package job

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/quartznet/quartznet-sub011/internal/domain"
)

var ErrUnknownType = errors.New("unknown job type")

// Factory creates the Job for a stored job definition. It is called once
// per fire.
type Factory func(detail domain.JobDetail) (Job, error)

// Registry maps job types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// RegisterJob registers a stateless job shared by every fire.
func (r *Registry) RegisterJob(typ string, j Job) {
	r.Register(typ, func(domain.JobDetail) (Job, error) { return j, nil })
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types lists the registered types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// New creates the job for detail.
func (r *Registry) New(detail domain.JobDetail) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[detail.JobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (job %s)", ErrUnknownType, detail.JobType, detail.Key)
	}
	return f(detail)
}
