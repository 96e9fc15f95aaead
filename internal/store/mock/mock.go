// Package mock provides an in-memory store.Store for unit tests.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/store"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// Store is a concurrency-safe in-memory store. Returned values are copies, so
// callers observe persisted state only by re-reading.
type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	sessions map[string]*models.Session
	keys     map[uuid.UUID]*models.APIKey

	// Set these to force the matching call to fail.
	PingErr         error
	ActiveJobsErr   error
	UpdateStatusErr error

	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time

	lastUsedWrites int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:     make(map[uuid.UUID]*models.Job),
		sessions: make(map[string]*models.Session),
		keys:     make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) Ping(_ context.Context) error { return s.PingErr }

// --- API Keys ---

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	k := *key
	s.keys[key.ID] = &k
	return nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	k.LastUsedAt = &now
	return nil
}

// --- Sessions ---

func copySession(sess *models.Session) *models.Session {
	c := *sess
	c.Credentials = bytes.Clone(sess.Credentials)
	return &c
}

func (s *Store) GetSession(_ context.Context, identityKey string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identityKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(sess), nil
}

func (s *Store) GetSessionByOwner(_ context.Context, ownerID uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Session
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID || !sess.Active {
			continue
		}
		if best == nil || sess.LastUsedAt.After(best.LastUsedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copySession(best), nil
}

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastUsedAt.IsZero() {
		sess.LastUsedAt = now
	}
	if existing, ok := s.sessions[sess.IdentityKey]; ok {
		sess.ID = existing.ID
		sess.CreatedAt = existing.CreatedAt
	} else if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	s.sessions[sess.IdentityKey] = copySession(sess)
	return nil
}

func (s *Store) UpdateSessionLastUsed(_ context.Context, identityKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identityKey]
	if !ok {
		return store.ErrNotFound
	}
	sess.LastUsedAt = s.now()
	s.lastUsedWrites++
	return nil
}

func (s *Store) DeleteSession(_ context.Context, identityKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[identityKey]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, identityKey)
	return nil
}

// SetSessionLastUsed rewrites lastUsedAt directly, bypassing throttling.
func (s *Store) SetSessionLastUsed(identityKey string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[identityKey]; ok {
		sess.LastUsedAt = at
	}
}

// LastUsedWrites counts UpdateSessionLastUsed calls that hit a row.
func (s *Store) LastUsedWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedWrites
}

// --- Jobs ---

func copyJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) list(match func(*models.Job) bool) []*models.Job {
	var out []*models.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (s *Store) ListJobsByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.list(func(j *models.Job) bool { return j.OwnerID == ownerID })
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveJobsByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ActiveJobsErr != nil {
		return nil, s.ActiveJobsErr
	}
	return s.list(func(j *models.Job) bool {
		return j.OwnerID == ownerID && (j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning)
	}), nil
}

func (s *Store) ListRunningRealTimeJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(j *models.Job) bool {
		return j.Mode == models.JobModeRealTime && j.Status == models.JobStatusRunning
	}), nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateStatusErr != nil {
		return s.UpdateStatusErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	errMsg, statusMsg := store.ApplyJobUpdateOptions(opts...)
	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case models.JobStatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case models.JobStatusCompleted:
		j.CompletedAt = &now
		j.ProgressPercentage = 100
		j.StatusMessage = nil
	case models.JobStatusFailed:
		j.CompletedAt = &now
		j.StatusMessage = nil
	case models.JobStatusStopped:
		j.StoppedAt = &now
		j.StatusMessage = nil
	}
	if errMsg != nil {
		j.ErrorMessage = errMsg
	}
	if statusMsg != nil {
		j.StatusMessage = statusMsg
	}
	return nil
}

func (s *Store) UpdateJobProgress(_ context.Context, id uuid.UUID, copied int, opts ...store.ProgressOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	p := store.ApplyProgressOptions(opts...)
	j.CopiedCount = copied
	if p.Failed != nil {
		j.FailedCount = *p.Failed
	}
	if p.Total != nil {
		total := *p.Total
		j.TotalCount = &total
	}
	switch {
	case j.Status == models.JobStatusCompleted:
		j.ProgressPercentage = 100
	case j.TotalCount != nil && *j.TotalCount > 0:
		j.ProgressPercentage = store.ProgressPercentage(j.Processed(), j.TotalCount)
	}
	switch {
	case p.StatusMessage != nil:
		msg := *p.StatusMessage
		j.StatusMessage = &msg
	case p.ClearStatus:
		j.StatusMessage = nil
	}
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// SetJobStatus forces a status without transition checks, as an external
// writer sharing the database would.
func (s *Store) SetJobStatus(id uuid.UUID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
	}
}
