package copier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/relaycopy/internal/messenger"
)

// Outcome is the per-message result of SendPolicy.Send.
type Outcome int

const (
	Sent Outcome = iota
	Failed
)

// SendPolicy retries one send. Rate limits are waited out exactly and never
// counted; transient errors are retried MaxTransientRetries times with a
// linearly growing delay; permission and session errors are returned as
// fatal.
type SendPolicy struct {
	MaxTransientRetries int
	RetryStep           time.Duration
	Sleep               func(ctx context.Context, d time.Duration) error

	// OnWait is called before sleeping out a rate limit.
	OnWait func(ctx context.Context, wait time.Duration)
	// OnRecovered is called after a send succeeds following a rate-limit wait.
	OnRecovered func(ctx context.Context)
}

// IsFatal reports whether err must abort the whole job rather than one message.
func IsFatal(err error) bool {
	return errors.Is(err, messenger.ErrPermissionDenied) || messenger.IsSessionFatal(err)
}

// Send runs send until it succeeds, exhausts its transient retries (Failed,
// nil) or hits a fatal condition (Failed, err). Context cancellation is
// returned as an error.
func (p SendPolicy) Send(ctx context.Context, send func(ctx context.Context) error) (Outcome, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	retries := 0
	waited := false
	for {
		err := send(ctx)
		if err == nil {
			if waited && p.OnRecovered != nil {
				p.OnRecovered(ctx)
			}
			return Sent, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Failed, ctxErr
		}

		if rl, ok := messenger.AsRateLimit(err); ok {
			if p.OnWait != nil {
				p.OnWait(ctx, rl.RetryAfter)
			}
			waited = true
			if err := sleep(ctx, rl.RetryAfter); err != nil {
				return Failed, err
			}
			continue
		}

		if IsFatal(err) {
			return Failed, err
		}

		if retries >= p.MaxTransientRetries {
			slog.Warn("send failed after retries", "retries", retries, "error", err)
			return Failed, nil
		}
		retries++
		if err := sleep(ctx, time.Duration(retries)*p.RetryStep); err != nil {
			return Failed, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
