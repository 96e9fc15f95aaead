package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/internal/store"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// StartRealTime registers the job's subscription and marks it running. It is
// used for the first start, for resume and for startup recovery; any earlier
// subscription for the job is removed first.
func (o *Orchestrator) StartRealTime(ctx context.Context, id uuid.UUID) error {
	return o.subscribe(ctx, id, false)
}

// RestoreSubscriptions re-registers the owner's running real-time jobs in the
// background. The session manager calls it after replacing a client that
// could not reconnect, which took the old subscriptions with it.
func (o *Orchestrator) RestoreSubscriptions(ownerID uuid.UUID) {
	o.mu.Lock()
	if o.baseCtx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		ctx := o.baseCtx
		jobs, err := o.jobs.ListActiveJobsByOwner(ctx, ownerID)
		if err != nil {
			slog.Error("list owner jobs to restore subscriptions", "owner_id", ownerID, "error", err)
			return
		}
		restored := 0
		for _, job := range jobs {
			if job.Mode != models.JobModeRealTime || job.Status != models.JobStatusRunning {
				continue
			}
			if err := o.subscribe(ctx, job.ID, true); err != nil {
				slog.Warn("could not restore real-time subscription", "job_id", job.ID, "error", err)
				continue
			}
			restored++
		}
		slog.Info("subscriptions restored after client replacement", "owner_id", ownerID, "restored", restored)
	}()
}

// subscribe does the work of StartRealTime. With onlyRunning set, a job that
// is no longer running by the time its lock is held is left alone.
func (o *Orchestrator) subscribe(ctx context.Context, id uuid.UUID, onlyRunning bool) error {
	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Mode != models.JobModeRealTime {
		return fmt.Errorf("%w: %s job cannot subscribe", ErrInvalidMode, job.Mode)
	}
	if job.Terminal() {
		return ErrJobTerminal
	}
	if onlyRunning && job.Status != models.JobStatusRunning {
		return nil
	}

	client, src, dst, err := o.prepare(ctx, job)
	if err != nil {
		o.abort(ctx, job, err)
		return err
	}

	o.dropSubscription(id)

	// Mark running before subscribing so the first events are not taken for
	// a paused job.
	if err := o.setStatus(ctx, id, models.JobStatusRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	sub := &Subscription{
		JobID:     id,
		OwnerID:   job.OwnerID,
		SourceRef: job.SourceRef,
		TargetRef: job.TargetRef,
		Client:    client,
	}
	// The subscription outlives this call, so it must not inherit a request
	// deadline.
	h, err := client.Subscribe(context.WithoutCancel(ctx), src, o.forward(sub, dst))
	if err != nil {
		if IsFatal(err) {
			o.abort(ctx, job, err)
		} else {
			o.failJob(context.WithoutCancel(ctx), id, "could not subscribe to the source channel")
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	sub.Handle = h
	if prev := o.registry.Put(sub); prev != nil {
		slog.Error("replaced an unexpected subscription", "job_id", id)
		if err := prev.Client.Unsubscribe(prev.Handle); err != nil {
			slog.Warn("unsubscribe failed", "job_id", id, "error", err)
		}
	}
	slog.Info("real-time copy started", "job_id", id, "source", job.SourceRef, "target", job.TargetRef)
	return nil
}

// detach removes sub if it is still the job's registered subscription.
func (o *Orchestrator) detach(sub *Subscription) {
	if !o.registry.RemoveIf(sub.JobID, sub) {
		return
	}
	if err := sub.Client.Unsubscribe(sub.Handle); err != nil {
		slog.Warn("unsubscribe failed", "job_id", sub.JobID, "error", err)
	}
}

// forward returns the per-event handler of a real-time job. The job's status
// is read on every event; anything but running ends the subscription.
func (o *Orchestrator) forward(sub *Subscription, dst messenger.Entity) messenger.Handler {
	return func(ctx context.Context, msg messenger.Message) {
		if !msg.HasContent() {
			return
		}
		job, err := o.jobs.GetJob(ctx, sub.JobID)
		if errors.Is(err, store.ErrNotFound) {
			o.detach(sub)
			return
		}
		if err != nil {
			slog.Warn("real-time status check failed, dropping message", "job_id", sub.JobID, "message_id", msg.ID, "error", err)
			return
		}
		if job.Status != models.JobStatusRunning {
			slog.Info("real-time event for inactive job", "job_id", job.ID, "status", job.Status)
			o.detach(sub)
			return
		}
		if !copyable(job, msg) {
			slog.Debug("real-time media message skipped", "job_id", job.ID, "message_id", msg.ID)
			return
		}

		p := &progress{copied: job.CopiedCount, failed: job.FailedCount, total: job.TotalCount}
		policy := SendPolicy{
			MaxTransientRetries: o.cfg.RealTimeRetries,
			RetryStep:           o.cfg.RetryStep,
			Sleep:               o.Sleep,
			OnWait: func(ctx context.Context, wait time.Duration) {
				o.persist(ctx, job.ID, p, store.WithProgressStatus(waitMessage(wait)))
			},
		}

		outcome, err := policy.Send(ctx, o.newLink(job.OwnerID, sub.Client).send(dst, msg))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.detach(sub)
			o.abort(ctx, job, err)
			return
		}
		p.record(outcome)
		if outcome == Sent {
			o.persist(ctx, job.ID, p, store.WithProgressStatus(""))
			return
		}
		slog.Warn("real-time message not copied", "job_id", job.ID, "message_id", msg.ID)
		o.persist(ctx, job.ID, p)
	}
}
