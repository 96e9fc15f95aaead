package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobRepo persists copy jobs.
type JobRepo interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error)
	// ListActiveJobsByOwner returns the owner's pending and running jobs.
	ListActiveJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error)
	ListRunningRealTimeJobs(ctx context.Context) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, copied int, opts ...ProgressOption) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// SessionRepo persists authenticated sessions, keyed by identity.
type SessionRepo interface {
	GetSession(ctx context.Context, identityKey string) (*models.Session, error)
	GetSessionByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Session, error)
	// CreateSession inserts the session or replaces the row with the same identity key.
	CreateSession(ctx context.Context, sess *models.Session) error
	UpdateSessionLastUsed(ctx context.Context, identityKey string) error
	DeleteSession(ctx context.Context, identityKey string) error
}

// KeyStore is the API key lookup used by the auth middleware.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	KeyStore
	JobRepo
	SessionRepo
}

type jobUpdateParams struct {
	ErrorMessage  *string
	StatusMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithStatusMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.StatusMessage = &msg
	}
}

// ApplyJobUpdateOptions resolves options for Store implementations outside this package.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) (errorMessage, statusMessage *string) {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.ErrorMessage, p.StatusMessage
}

// ProgressUpdate is the resolved form of a set of ProgressOptions.
type ProgressUpdate struct {
	Total         *int
	Failed        *int
	StatusMessage *string
	ClearStatus   bool
}

type ProgressOption func(*ProgressUpdate)

func WithTotal(total int) ProgressOption {
	return func(p *ProgressUpdate) {
		p.Total = &total
	}
}

func WithFailed(failed int) ProgressOption {
	return func(p *ProgressUpdate) {
		p.Failed = &failed
	}
}

// WithProgressStatus sets the ephemeral status message along with the
// counters. An empty msg clears it.
func WithProgressStatus(msg string) ProgressOption {
	return func(p *ProgressUpdate) {
		if msg == "" {
			p.StatusMessage = nil
			p.ClearStatus = true
			return
		}
		p.StatusMessage = &msg
		p.ClearStatus = false
	}
}

func ApplyProgressOptions(opts ...ProgressOption) ProgressUpdate {
	var p ProgressUpdate
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusPaused, models.JobStatusStopped, models.JobStatusFailed, models.JobStatusCompleted},
	models.JobStatusRunning: {models.JobStatusRunning, models.JobStatusPaused, models.JobStatusStopped, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusPaused:  {models.JobStatusRunning, models.JobStatusStopped, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ProgressPercentage computes progress from processed and total counts.
// Unknown totals report 0 until the job completes.
func ProgressPercentage(processed int, total *int) float64 {
	if total == nil || *total <= 0 {
		return 0
	}
	pct := float64(processed) * 100 / float64(*total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
