package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusStopped   = "stopped"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

const (
	JobModeHistorical = "historical"
	JobModeRealTime   = "real_time"
)

// Job is one copy operation between two channels. Counters are written only by
// the job's own execution context (its historical loop or its subscription).
type Job struct {
	ID                 uuid.UUID  `db:"id"                  json:"id"`
	OwnerID            uuid.UUID  `db:"owner_id"            json:"owner_id"`
	SourceRef          string     `db:"source_ref"          json:"source_ref"`
	TargetRef          string     `db:"target_ref"          json:"target_ref"`
	Mode               string     `db:"mode"                json:"mode"`
	CopyMedia          bool       `db:"copy_media"          json:"copy_media"`
	Status             string     `db:"status"              json:"status"`
	CopiedCount        int        `db:"copied_count"        json:"copied_count"`
	FailedCount        int        `db:"failed_count"        json:"failed_count"`
	TotalCount         *int       `db:"total_count"         json:"total_count,omitempty"`
	ProgressPercentage float64    `db:"progress_percentage" json:"progress_percentage"`
	StatusMessage      *string    `db:"status_message"      json:"status_message,omitempty"`
	ErrorMessage       *string    `db:"error_message"       json:"error_message,omitempty"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	StartedAt          *time.Time `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at"        json:"completed_at,omitempty"`
	StoppedAt          *time.Time `db:"stopped_at"          json:"stopped_at,omitempty"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
}

// IsTerminalStatus reports whether status can never change again.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// IsValidMode reports whether mode is a known copy mode.
func IsValidMode(mode string) bool {
	return mode == JobModeHistorical || mode == JobModeRealTime
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool { return IsTerminalStatus(j.Status) }

// Processed is the number of copyable messages already accounted for. A
// historical run resumes after this many messages.
func (j *Job) Processed() int { return j.CopiedCount + j.FailedCount }

// JobSnapshot is the view of a job handed to upstream callers.
type JobSnapshot struct {
	ID                 uuid.UUID  `json:"id"`
	SourceRef          string     `json:"source_ref"`
	TargetRef          string     `json:"target_ref"`
	Mode               string     `json:"mode"`
	CopyMedia          bool       `json:"copy_media"`
	Status             string     `json:"status"`
	CopiedCount        int        `json:"copied_count"`
	FailedCount        int        `json:"failed_count"`
	TotalCount         *int       `json:"total_count,omitempty"`
	ProgressPercentage float64    `json:"progress_percentage"`
	StatusMessage      string     `json:"status_message,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	StoppedAt          *time.Time `json:"stopped_at,omitempty"`
}

// Snapshot copies the caller-visible fields of the job.
func (j *Job) Snapshot() JobSnapshot {
	s := JobSnapshot{
		ID:                 j.ID,
		SourceRef:          j.SourceRef,
		TargetRef:          j.TargetRef,
		Mode:               j.Mode,
		CopyMedia:          j.CopyMedia,
		Status:             j.Status,
		CopiedCount:        j.CopiedCount,
		FailedCount:        j.FailedCount,
		TotalCount:         j.TotalCount,
		ProgressPercentage: j.ProgressPercentage,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		StoppedAt:          j.StoppedAt,
	}
	if j.StatusMessage != nil {
		s.StatusMessage = *j.StatusMessage
	}
	if j.ErrorMessage != nil {
		s.ErrorMessage = *j.ErrorMessage
	}
	return s
}
