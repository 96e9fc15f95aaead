// Package copier runs copy jobs: historical backfills and real-time mirrors
// between two channels, on top of the owner's session connection.
package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/keylock"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/internal/session"
	"github.com/kiranshivaraju/relaycopy/internal/store"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobTerminal    = errors.New("job already finished")
	ErrJobNotRunning  = errors.New("job is not running")
	ErrJobNotPaused   = errors.New("job is not paused")
	ErrJobPaused      = errors.New("job is paused; resume it instead")
	ErrJobActive      = errors.New("job is active")
	ErrInvalidMode    = errors.New("invalid copy mode")
	ErrInvalidChannel = errors.New("invalid channel reference")
)

// Sessions is the part of the session manager the orchestrator needs.
type Sessions interface {
	ConnectionForOwner(ctx context.Context, ownerID uuid.UUID) (messenger.Client, error)
	InvalidateOwner(ctx context.Context, ownerID uuid.UUID) error
}

type Config struct {
	MaxRetries      int
	RealTimeRetries int
	RetryStep       time.Duration
	ProgressEvery   int
	JitterMin       time.Duration
	JitterMax       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		RealTimeRetries: 1,
		RetryStep:       time.Second,
		ProgressEvery:   10,
		JitterMin:       1100 * time.Millisecond,
		JitterMax:       1500 * time.Millisecond,
	}
}

// Orchestrator owns the lifecycle of copy jobs. Lifecycle calls on the same
// job are serialized; the historical loop and the real-time handler are the
// only writers of a job's counters.
type Orchestrator struct {
	jobs     store.JobRepo
	sessions Sessions
	cfg      Config
	registry *Registry
	locks    *keylock.Locker

	// Sleep and Jitter are replaceable in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration

	mu      sync.Mutex
	loops   map[uuid.UUID]*loop
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

type loop struct {
	cancel context.CancelFunc
}

func New(jobs store.JobRepo, sessions Sessions, cfg Config) *Orchestrator {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultConfig().ProgressEvery
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		jobs:     jobs,
		sessions: sessions,
		cfg:      cfg,
		registry: NewRegistry(),
		locks:    keylock.New(),
		Sleep:    sleepCtx,
		loops:    make(map[uuid.UUID]*loop),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	o.Jitter = o.randomJitter
	return o
}

func (o *Orchestrator) randomJitter() time.Duration {
	lo, hi := o.cfg.JitterMin, o.cfg.JitterMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Registry exposes the live subscriptions.
func (o *Orchestrator) Registry() *Registry { return o.registry }

func (o *Orchestrator) lockJob(ctx context.Context, id uuid.UUID) (func(), error) {
	return o.locks.Lock(ctx, "job:"+id.String())
}

func (o *Orchestrator) getJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := o.jobs.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	return o.jobs.UpdateJobStatus(ctx, id, status, opts...)
}

// JobRequest describes a job to create. With CopyMedia unset, messages that
// carry media are skipped and not counted.
type JobRequest struct {
	Source    string
	Target    string
	Mode      string
	CopyMedia bool
}

// CreateJob validates the request and persists a pending job. Nothing runs
// until Start.
func (o *Orchestrator) CreateJob(ctx context.Context, ownerID uuid.UUID, req JobRequest) (*models.Job, error) {
	mode := req.Mode
	if !models.IsValidMode(mode) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	src, err := models.ParseChannelRef(req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: source: %w", ErrInvalidChannel, err)
	}
	dst, err := models.ParseChannelRef(req.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: target: %w", ErrInvalidChannel, err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		SourceRef: src.String(),
		TargetRef: dst.String(),
		Mode:      mode,
		CopyMedia: req.CopyMedia,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	slog.Info("job created", "job_id", job.ID, "owner_id", ownerID, "mode", mode, "copy_media", req.CopyMedia)
	return job, nil
}

// Start begins a pending job: historical jobs run in the background,
// real-time jobs register their subscription before Start returns. A paused
// job is continued with Resume.
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID) error {
	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrJobTerminal
	}
	if job.Status == models.JobStatusPaused {
		return ErrJobPaused
	}
	if job.Mode == models.JobModeRealTime {
		return o.StartRealTime(ctx, id)
	}
	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if job, err = o.getJob(ctx, id); err != nil {
		return err
	}
	switch {
	case job.Terminal():
		return ErrJobTerminal
	case job.Status == models.JobStatusPaused:
		return ErrJobPaused
	}
	return o.launchHistorical(id)
}

// claim registers a historical loop for id. It fails if one is in flight.
func (o *Orchestrator) claim(id uuid.UUID, cancel context.CancelFunc) (*loop, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.loops[id]; ok {
		return nil, false
	}
	l := &loop{cancel: cancel}
	o.loops[id] = l
	return l, true
}

func (o *Orchestrator) release(id uuid.UUID, l *loop) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loops[id] == l {
		delete(o.loops, id)
	}
}

func (o *Orchestrator) loopRunning(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.loops[id]
	return ok
}

func (o *Orchestrator) launchHistorical(id uuid.UUID) error {
	ctx, cancel := context.WithCancel(o.baseCtx)
	l, ok := o.claim(id, cancel)
	if !ok {
		cancel()
		return ErrJobActive
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.release(id, l)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("historical copy panicked", "job_id", id, "panic", r)
				o.failJob(context.WithoutCancel(ctx), id, "copy aborted due to an unexpected error")
			}
		}()

		if err := o.runHistorical(ctx, id, l); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("historical copy ended with error", "job_id", id, "error", err)
		}
	}()
	return nil
}

// Pause suspends a running job. A historical loop notices at its next
// checkpoint; a real-time subscription is removed at once.
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID) error {
	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrJobTerminal
	}
	if job.Status != models.JobStatusRunning {
		return ErrJobNotRunning
	}
	if err := o.setStatus(ctx, id, models.JobStatusPaused); err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	if job.Mode == models.JobModeRealTime {
		o.dropSubscription(id)
	}
	slog.Info("job paused", "job_id", id)
	return nil
}

// Resume continues a paused job from its persisted counters.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) error {
	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrJobTerminal
	}
	if job.Status != models.JobStatusPaused {
		return ErrJobNotPaused
	}
	if job.Mode == models.JobModeRealTime {
		return o.StartRealTime(ctx, id)
	}

	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-check under the lock: the status may have moved since the read above.
	job, err = o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPaused {
		if job.Terminal() {
			return ErrJobTerminal
		}
		return ErrJobNotPaused
	}
	if err := o.setStatus(ctx, id, models.JobStatusRunning); err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	// A loop that has not yet reached its checkpoint simply keeps going.
	if o.loopRunning(id) {
		slog.Info("job resumed in place", "job_id", id)
		return nil
	}
	slog.Info("job resumed", "job_id", id, "offset", job.Processed())
	return o.launchHistorical(id)
}

// Stop finishes a job for good.
func (o *Orchestrator) Stop(ctx context.Context, id uuid.UUID) error {
	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrJobTerminal
	}
	o.dropSubscription(id)
	if err := o.setStatus(ctx, id, models.JobStatusStopped); err != nil {
		return fmt.Errorf("stop job: %w", err)
	}
	slog.Info("job stopped", "job_id", id)
	return nil
}

// Delete removes a job that is not running.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusRunning || o.loopRunning(id) {
		return ErrJobActive
	}
	o.dropSubscription(id)
	if err := o.jobs.DeleteJob(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("delete job: %w", err)
	}
	slog.Info("job deleted", "job_id", id)
	return nil
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return o.getJob(ctx, id)
}

// ListByOwner returns the owner's jobs, newest first.
func (o *Orchestrator) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error) {
	jobs, err := o.jobs.ListJobsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ResumeAllActiveJobs re-registers every persisted running real-time job.
// Per-job failures are logged and skipped. It returns how many resumed.
func (o *Orchestrator) ResumeAllActiveJobs(ctx context.Context) (int, error) {
	jobs, err := o.jobs.ListRunningRealTimeJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running real-time jobs: %w", err)
	}
	resumed := 0
	for _, job := range jobs {
		if err := o.StartRealTime(ctx, job.ID); err != nil {
			slog.Warn("could not resume real-time job", "job_id", job.ID, "error", err)
			continue
		}
		resumed++
	}
	slog.Info("startup recovery finished", "candidates", len(jobs), "resumed", resumed)
	return resumed, nil
}

// Shutdown cancels historical loops, waits for them to persist their
// counters, and drops live subscriptions. Job statuses are left as they are
// so running real-time jobs are picked up again on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	o.mu.Lock()
	for _, l := range o.loops {
		// RunHistorical loops run on a caller context, not baseCtx.
		l.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for copy loops: %w", ctx.Err())
	}

	for _, sub := range o.registry.RemoveAll() {
		if uerr := sub.Client.Unsubscribe(sub.Handle); uerr != nil {
			slog.Warn("unsubscribe on shutdown failed", "job_id", sub.JobID, "error", uerr)
		}
	}
	return err
}

func (o *Orchestrator) dropSubscription(id uuid.UUID) {
	sub := o.registry.Remove(id)
	if sub == nil {
		return
	}
	if err := sub.Client.Unsubscribe(sub.Handle); err != nil {
		slog.Warn("unsubscribe failed", "job_id", id, "error", err)
	}
}

// failJob marks a job failed with a caller-facing message. A job that has
// already reached a terminal status keeps it.
func (o *Orchestrator) failJob(ctx context.Context, id uuid.UUID, msg string) {
	err := o.setStatus(ctx, id, models.JobStatusFailed, store.WithErrorMessage(msg))
	switch {
	case err == nil:
		slog.Warn("job failed", "job_id", id, "reason", msg)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		slog.Info("job not marked failed", "job_id", id, "error", err)
	default:
		slog.Error("could not mark job failed", "job_id", id, "error", err)
	}
}

const msgSessionLost = "session authorization lost; log in again to continue"

// abort ends a job after a fatal error. Session-level failures fail every
// active job of the owner and tear the session down.
func (o *Orchestrator) abort(ctx context.Context, job *models.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	if messenger.IsSessionFatal(cause) {
		o.handleSessionLoss(ctx, job.OwnerID, cause)
		// The job may not be listed as active (e.g. paused mid-start).
		o.failJob(ctx, job.ID, msgSessionLost)
		return
	}
	o.failJob(ctx, job.ID, describeFailure(cause))
}

func (o *Orchestrator) handleSessionLoss(ctx context.Context, ownerID uuid.UUID, cause error) {
	slog.Warn("session lost, failing owner jobs", "owner_id", ownerID, "error", cause)

	active, err := o.jobs.ListActiveJobsByOwner(ctx, ownerID)
	if err != nil {
		slog.Error("list owner jobs after session loss", "owner_id", ownerID, "error", err)
	}
	for _, j := range active {
		o.dropSubscription(j.ID)
		o.failJob(ctx, j.ID, msgSessionLost)
	}
	if err := o.sessions.InvalidateOwner(ctx, ownerID); err != nil {
		slog.Error("invalidate owner session", "owner_id", ownerID, "error", err)
	}
}

// describeFailure turns an error into a message safe to show the job owner.
func describeFailure(err error) string {
	switch {
	case errors.Is(err, ErrUnresolvable):
		return err.Error()
	case errors.Is(err, messenger.ErrPermissionDenied):
		return "permission denied: the account cannot read the source or post to the target"
	case messenger.IsSessionFatal(err):
		return msgSessionLost
	case errors.Is(err, session.ErrNoSession):
		return "no active session; log in to continue"
	case errors.Is(err, session.ErrSessionInvalid):
		return "could not connect to the messaging network; try again later"
	default:
		return "copy aborted due to an unexpected error"
	}
}

// prepare obtains the owner's connection and resolves both channels.
func (o *Orchestrator) prepare(ctx context.Context, job *models.Job) (messenger.Client, messenger.Entity, messenger.Entity, error) {
	var none messenger.Entity
	client, err := o.sessions.ConnectionForOwner(ctx, job.OwnerID)
	if err != nil {
		return nil, none, none, fmt.Errorf("connection: %w", err)
	}
	srcRef, err := models.ParseChannelRef(job.SourceRef)
	if err != nil {
		return nil, none, none, fmt.Errorf("%w: %s", ErrUnresolvable, job.SourceRef)
	}
	dstRef, err := models.ParseChannelRef(job.TargetRef)
	if err != nil {
		return nil, none, none, fmt.Errorf("%w: %s", ErrUnresolvable, job.TargetRef)
	}
	src, err := Resolve(ctx, client, srcRef)
	if err != nil {
		return nil, none, none, fmt.Errorf("resolve source: %w", err)
	}
	dst, err := Resolve(ctx, client, dstRef)
	if err != nil {
		return nil, none, none, fmt.Errorf("resolve target: %w", err)
	}
	return client, src, dst, nil
}

func waitMessage(wait time.Duration) string {
	return fmt.Sprintf("waiting %ds (rate limited)", int((wait + time.Second - 1) / time.Second))
}
