package copier

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
)

// Subscription binds a running real-time job to its live event registration.
type Subscription struct {
	JobID     uuid.UUID
	OwnerID   uuid.UUID
	SourceRef string
	TargetRef string
	Client    messenger.Client
	Handle    messenger.Handle
}

// Registry holds at most one Subscription per job id.
type Registry struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[uuid.UUID]*Subscription)}
}

// Put stores sub and returns the one it replaced, if any. Callers remove the
// previous subscription before registering a new one, so a non-nil return
// means a caller skipped that step.
func (r *Registry) Put(sub *Subscription) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.subs[sub.JobID]
	r.subs[sub.JobID] = sub
	return prev
}

func (r *Registry) Get(jobID uuid.UUID) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[jobID]
	return s, ok
}

// Remove deletes and returns the job's subscription.
func (r *Registry) Remove(jobID uuid.UUID) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[jobID]
	delete(r.subs, jobID)
	return s
}

// RemoveIf deletes the job's subscription only if it is sub.
func (r *Registry) RemoveIf(jobID uuid.UUID, sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[jobID]; ok && cur == sub {
		delete(r.subs, jobID)
		return true
	}
	return false
}

// RemoveAll empties the registry and returns what it held.
func (r *Registry) RemoveAll() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	r.subs = make(map[uuid.UUID]*Subscription)
	return out
}
