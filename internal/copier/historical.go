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

// maxHistoryReconnects bounds history restarts without progress in between.
const maxHistoryReconnects = 3

// copyable reports whether msg is copied by job. Skipped messages are not
// counted anywhere.
func copyable(job *models.Job, msg messenger.Message) bool {
	return msg.HasContent() && (job.CopyMedia || msg.MediaRef == "")
}

// progress holds the in-memory counters of one run.
type progress struct {
	copied int
	failed int
	total  *int
}

func (p *progress) record(o Outcome) {
	if o == Sent {
		p.copied++
	} else {
		p.failed++
	}
}

func (o *Orchestrator) persist(ctx context.Context, id uuid.UUID, p *progress, extra ...store.ProgressOption) {
	opts := []store.ProgressOption{store.WithFailed(p.failed)}
	if p.total != nil {
		// New messages may land while iterating; keep processed <= total.
		if processed := p.copied + p.failed; processed > *p.total {
			p.total = &processed
		}
		opts = append(opts, store.WithTotal(*p.total))
	}
	opts = append(opts, extra...)
	err := o.jobs.UpdateJobProgress(context.WithoutCancel(ctx), id, p.copied, opts...)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("persist progress failed", "job_id", id, "error", err)
	}
}

// RunHistorical runs a historical job on the calling goroutine until it
// completes, fails, or observes a pause or stop.
func (o *Orchestrator) RunHistorical(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l, ok := o.claim(id, cancel)
	if !ok {
		return ErrJobActive
	}
	defer o.release(id, l)
	return o.runHistorical(ctx, id, l)
}

func (o *Orchestrator) runHistorical(ctx context.Context, id uuid.UUID, l *loop) error {
	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Mode != models.JobModeHistorical {
		return fmt.Errorf("%w: %s job has no history run", ErrInvalidMode, job.Mode)
	}
	switch job.Status {
	case models.JobStatusPending, models.JobStatusRunning:
	case models.JobStatusPaused:
		return ErrJobNotRunning
	default:
		return ErrJobTerminal
	}

	client, src, dst, err := o.prepare(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.abort(ctx, job, err)
		return err
	}

	if job.Status == models.JobStatusPending {
		if err := o.setStatus(ctx, id, models.JobStatusRunning); err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
	}

	lnk := o.newLink(job.OwnerID, client)
	p := &progress{copied: job.CopiedCount, failed: job.FailedCount, total: job.TotalCount}
	if n, err := lnk.current().CountHistory(ctx, src); err == nil {
		p.total = &n
	} else if IsFatal(err) {
		o.abort(ctx, job, err)
		return err
	} else {
		slog.Debug("history count unavailable", "job_id", id, "error", err)
	}

	slog.Info("historical copy started", "job_id", id, "source", job.SourceRef, "target", job.TargetRef,
		"offset", job.Processed(), "copy_media", job.CopyMedia)

	policy := SendPolicy{
		MaxTransientRetries: o.cfg.MaxRetries,
		RetryStep:           o.cfg.RetryStep,
		Sleep:               o.Sleep,
		OnWait: func(ctx context.Context, wait time.Duration) {
			o.persist(ctx, id, p, store.WithProgressStatus(waitMessage(wait)))
		},
		OnRecovered: func(ctx context.Context) {
			o.persist(ctx, id, p, store.WithProgressStatus(""))
		},
	}

	attempted, sinceCheckpoint, reconnects := 0, 0, 0
	// Each pass restarts the history from the top and skips what the
	// counters already account for.
pass:
	for {
		offset, skipped := p.copied+p.failed, 0
		for msg, err := range lnk.current().IterateHistory(ctx, src, true) {
			if err != nil {
				o.persist(ctx, id, p)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, messenger.ErrNotConnected) && reconnects < maxHistoryReconnects {
					reconnects++
					_, rerr := lnk.refresh(ctx)
					if rerr == nil {
						slog.Info("history read interrupted, restarting pass", "job_id", id, "offset", p.copied+p.failed)
						continue pass
					}
					err = rerr
				}
				o.abort(ctx, job, err)
				return fmt.Errorf("read history: %w", err)
			}
			if !copyable(job, msg) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}

			if attempted > 0 {
				if err := o.Sleep(ctx, o.Jitter()); err != nil {
					o.persist(ctx, id, p)
					return err
				}
			}
			attempted++

			outcome, err := policy.Send(ctx, lnk.send(dst, msg))
			if err != nil {
				o.persist(ctx, id, p)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.abort(ctx, job, err)
				return err
			}
			p.record(outcome)
			reconnects = 0

			sinceCheckpoint++
			if sinceCheckpoint >= o.cfg.ProgressEvery {
				sinceCheckpoint = 0
				o.persist(ctx, id, p)
				if stop, err := o.checkpoint(ctx, id, l); stop {
					return err
				}
			}
		}
		break
	}

	o.persist(ctx, id, p)
	return o.complete(ctx, id, l, p)
}

// checkpoint re-reads the live status under the job lock. When the job is no
// longer running the loop gives up its claim before the lock is released, so
// a concurrent Resume starts a fresh loop instead of relying on this one.
func (o *Orchestrator) checkpoint(ctx context.Context, id uuid.UUID, l *loop) (bool, error) {
	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return true, err
	}
	defer unlock()

	job, err := o.jobs.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		o.release(id, l)
		return true, ErrJobNotFound
	}
	if err != nil {
		slog.Warn("status check failed, continuing", "job_id", id, "error", err)
		return false, nil
	}
	if job.Status == models.JobStatusRunning {
		return false, nil
	}
	o.release(id, l)
	slog.Info("historical copy halted", "job_id", id, "status", job.Status)
	return true, nil
}

func (o *Orchestrator) complete(ctx context.Context, id uuid.UUID, l *loop, p *progress) error {
	unlock, err := o.lockJob(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	defer o.release(id, l)

	job, err := o.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusRunning {
		slog.Info("historical copy finished while not running", "job_id", id, "status", job.Status)
		return nil
	}
	if err := o.setStatus(ctx, id, models.JobStatusCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	slog.Info("historical copy completed", "job_id", id, "copied", p.copied, "failed", p.failed)
	return nil
}
