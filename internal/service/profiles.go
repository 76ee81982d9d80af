package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mdakk072/scrapperManager/internal/model"
)

var (
	ErrUnknownProfile = errors.New("unknown profile")
	ErrProfileExists  = errors.New("profile already registered")
	ErrProfileRunning = errors.New("profile running")
)

type profile struct {
	spec  model.ProfileSpec
	state model.ProfileState
}

// Registry holds the profiles and their live state. All methods are safe for
// concurrent use, every mutation happens in one critical section.
type Registry struct {
	mx       sync.RWMutex
	profiles map[string]*profile
}

func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*profile),
	}
}

// Register adds a profile which is not running and was never executed.
func (r *Registry) Register(spec model.ProfileSpec) error {
	if spec.Name == "" {
		return errors.New("profile name is empty")
	}
	if spec.Interval <= 0 {
		return fmt.Errorf("profile %s: interval must be positive", spec.Name)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.profiles[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrProfileExists, spec.Name)
	}
	r.profiles[spec.Name] = &profile{spec: spec}
	return nil
}

// MarkDispatched records a successful launch of the worker id. It returns
// false for an unknown profile.
func (r *Registry) MarkDispatched(ctx context.Context, name, id string, at time.Time, address string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	p, ok := r.profiles[name]
	if !ok {
		slog.WarnContext(ctx, "mark dispatched: unknown profile", "profile", name)
		return false
	}
	p.state.Running = true
	p.state.WorkerID = id
	p.state.Address = address
	p.state.LastExec = &at
	return true
}

// MarkFinished records the end of the current run. The finish time becomes
// the last execution time, so the next run is due one interval after the
// previous one ended. failed counts towards the consecutive failures used by
// the crash backoff, a successful run resets them.
func (r *Registry) MarkFinished(ctx context.Context, name string, at time.Time, failed bool, exitCode *int) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	p, ok := r.profiles[name]
	if !ok {
		slog.WarnContext(ctx, "mark finished: unknown profile", "profile", name)
		return false
	}
	p.state.Running = false
	p.state.WorkerID = ""
	p.state.LastExec = &at
	p.state.LastExitCode = exitCode
	if failed {
		p.state.Failures++
	} else {
		p.state.Failures = 0
	}
	return true
}

// Due returns the profiles which are not running and whose last execution is
// at least one interval (plus backoff) ago, sorted by name. A profile never
// executed is always due.
func (r *Registry) Due(now time.Time, backoff Backoff) []model.ProfileSpec {
	if backoff == nil {
		backoff = NoBackoff
	}
	r.mx.RLock()
	defer r.mx.RUnlock()
	var due []model.ProfileSpec
	for _, p := range r.profiles {
		if p.state.Running {
			continue
		}
		if p.state.LastExec != nil {
			wait := p.spec.Interval + backoff(p.state.Failures)
			if now.Sub(*p.state.LastExec) < wait {
				continue
			}
		}
		due = append(due, p.spec)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due
}

func (r *Registry) Spec(name string) (model.ProfileSpec, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return model.ProfileSpec{}, false
	}
	return p.spec, true
}

// State returns a copy of the live state of the profile.
func (r *Registry) State(name string) (model.ProfileState, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return model.ProfileState{}, false
	}
	return p.state, true
}

// Statuses returns the broadcast form of all profiles keyed by name.
func (r *Registry) Statuses() map[string]model.ProfileStatus {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make(map[string]model.ProfileStatus, len(r.profiles))
	for name, p := range r.profiles {
		ret[name] = model.NewProfileStatus(p.spec, p.state)
	}
	return ret
}
