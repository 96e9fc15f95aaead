package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/api/middleware"
	"github.com/kiranshivaraju/relaycopy/internal/api/response"
	"github.com/kiranshivaraju/relaycopy/internal/copier"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/internal/session"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// JobService is the orchestrator surface the job handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, ownerID uuid.UUID, req copier.JobRequest) (*models.Job, error)
	Start(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error)
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Stop(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type Jobs struct {
	svc JobService
}

func NewJobs(svc JobService) *Jobs {
	return &Jobs{svc: svc}
}

// Create handles POST /api/v1/jobs. The job is started unless "start" is
// explicitly false, and copies media unless "copy_media" is explicitly false.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	var req struct {
		Source    string `json:"source"`
		Target    string `json:"target"`
		Mode      string `json:"mode"`
		CopyMedia *bool  `json:"copy_media"`
		Start     *bool  `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if req.Source == "" || req.Target == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "source and target are required", nil)
		return
	}
	if req.Mode == "" {
		req.Mode = models.JobModeHistorical
	}

	job, err := h.svc.CreateJob(r.Context(), ownerID, copier.JobRequest{
		Source:    req.Source,
		Target:    req.Target,
		Mode:      req.Mode,
		CopyMedia: req.CopyMedia == nil || *req.CopyMedia,
	})
	if err != nil {
		writeJobError(w, err)
		return
	}

	if req.Start == nil || *req.Start {
		if err := h.svc.Start(r.Context(), job.ID); err != nil {
			writeJobError(w, err)
			return
		}
		if fresh, err := h.svc.Get(r.Context(), job.ID); err == nil {
			job = fresh
		}
	}
	response.Created(w, job.Snapshot())
}

// List handles GET /api/v1/jobs?page=&limit=.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return
	}

	page, ok := queryInt(r, "page", 1)
	if !ok || page < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
		return
	}
	limit, ok := queryInt(r, "limit", defaultPageLimit)
	if !ok || limit < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return
	}
	limit = min(limit, maxPageLimit)

	jobs, err := h.svc.ListByOwner(r.Context(), ownerID)
	if err != nil {
		writeJobError(w, err)
		return
	}

	start := min((page-1)*limit, len(jobs))
	end := min(start+limit, len(jobs))
	out := make([]models.JobSnapshot, 0, end-start)
	for _, j := range jobs[start:end] {
		out = append(out, j.Snapshot())
	}
	response.Collection(w, out, response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   len(jobs),
		HasNext: end < len(jobs),
	})
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	response.JSON(w, job.Snapshot())
}

func (h *Jobs) Pause(w http.ResponseWriter, r *http.Request)  { h.transition(w, r, h.svc.Pause) }
func (h *Jobs) Resume(w http.ResponseWriter, r *http.Request) { h.transition(w, r, h.svc.Resume) }
func (h *Jobs) Stop(w http.ResponseWriter, r *http.Request)   { h.transition(w, r, h.svc.Stop) }

// Delete handles DELETE /api/v1/jobs/{jobID}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), job.ID); err != nil {
		writeJobError(w, err)
		return
	}
	response.NoContent(w)
}

func (h *Jobs) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) error) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), job.ID); err != nil {
		writeJobError(w, err)
		return
	}
	fresh, err := h.svc.Get(r.Context(), job.ID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	response.JSON(w, fresh.Snapshot())
}

// ownedJob loads the job named in the URL. Jobs of other owners are reported
// as not found.
func (h *Jobs) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	ownerID, ok := middleware.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return nil, false
	}
	job, err := h.svc.Get(r.Context(), id)
	if err == nil && job.OwnerID != ownerID {
		err = copier.ErrJobNotFound
	}
	if err != nil {
		writeJobError(w, err)
		return nil, false
	}
	return job, true
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, copier.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, copier.ErrInvalidMode):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "mode must be historical or real_time", nil)
	case errors.Is(err, copier.ErrInvalidChannel):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, copier.ErrJobTerminal):
		response.Error(w, http.StatusConflict, "JOB_FINISHED", "Job has already finished", nil)
	case errors.Is(err, copier.ErrJobNotRunning):
		response.Error(w, http.StatusConflict, "JOB_NOT_RUNNING", "Job is not running", nil)
	case errors.Is(err, copier.ErrJobNotPaused):
		response.Error(w, http.StatusConflict, "JOB_NOT_PAUSED", "Job is not paused", nil)
	case errors.Is(err, copier.ErrJobPaused):
		response.Error(w, http.StatusConflict, "JOB_PAUSED", "Job is paused; resume it instead", nil)
	case errors.Is(err, copier.ErrJobActive):
		response.Error(w, http.StatusConflict, "JOB_ACTIVE", "Job is active; stop or pause it first", nil)
	case errors.Is(err, copier.ErrUnresolvable):
		response.Error(w, http.StatusUnprocessableEntity, "CHANNEL_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, session.ErrNoSession), messenger.IsSessionFatal(err):
		response.Error(w, http.StatusPreconditionFailed, "SESSION_REQUIRED", "Log in before starting jobs", nil)
	case errors.Is(err, session.ErrSessionInvalid):
		response.Error(w, http.StatusBadGateway, "NETWORK_UNAVAILABLE", "Could not reach the messaging network", nil)
	case errors.Is(err, messenger.ErrPermissionDenied):
		response.Error(w, http.StatusForbidden, "PERMISSION_DENIED", "The account cannot access one of the channels", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
