package copier_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kiranshivaraju/relaycopy/internal/copier"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPolicy_RateLimitWaitsExactlyAndIsNotCounted(t *testing.T) {
	sl := &sleeper{}
	var waits []time.Duration
	recovered := 0
	p := copier.SendPolicy{
		MaxTransientRetries: 0,
		RetryStep:           time.Second,
		Sleep:               sl.Sleep,
		OnWait:              func(_ context.Context, d time.Duration) { waits = append(waits, d) },
		OnRecovered:         func(context.Context) { recovered++ },
	}

	calls := 0
	out, err := p.Send(context.Background(), func(context.Context) error {
		calls++
		if calls <= 3 {
			return fmt.Errorf("send: %w", &messenger.RateLimitError{RetryAfter: 7 * time.Second})
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, copier.Sent, out)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second, 7 * time.Second}, sl.Slept())
	assert.Equal(t, sl.Slept(), waits)
	assert.Equal(t, 1, recovered)
}

func TestSendPolicy_TransientRetriesThenFails(t *testing.T) {
	sl := &sleeper{}
	p := copier.SendPolicy{MaxTransientRetries: 2, RetryStep: time.Second, Sleep: sl.Sleep}

	calls := 0
	out, err := p.Send(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})

	require.NoError(t, err)
	assert.Equal(t, copier.Failed, out)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.Slept())
}

func TestSendPolicy_TransientThenSuccess(t *testing.T) {
	sl := &sleeper{}
	recovered := 0
	p := copier.SendPolicy{
		MaxTransientRetries: 1,
		RetryStep:           500 * time.Millisecond,
		Sleep:               sl.Sleep,
		OnRecovered:         func(context.Context) { recovered++ },
	}

	calls := 0
	out, err := p.Send(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, copier.Sent, out)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, sl.Slept())
	assert.Zero(t, recovered, "only rate-limit waits trigger recovery")
}

func TestSendPolicy_FatalErrorsAreReturned(t *testing.T) {
	for _, fatal := range []error{
		messenger.ErrPermissionDenied,
		messenger.ErrAuthInvalidated,
		fmt.Errorf("wrapped: %w", messenger.ErrAuthDuplicated),
	} {
		t.Run(fatal.Error(), func(t *testing.T) {
			sl := &sleeper{}
			p := copier.SendPolicy{MaxTransientRetries: 5, RetryStep: time.Second, Sleep: sl.Sleep}

			calls := 0
			out, err := p.Send(context.Background(), func(context.Context) error {
				calls++
				return fatal
			})

			assert.Equal(t, copier.Failed, out)
			assert.ErrorIs(t, err, fatal)
			assert.Equal(t, 1, calls)
			assert.Empty(t, sl.Slept())
		})
	}
}

func TestSendPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := copier.SendPolicy{MaxTransientRetries: 3, RetryStep: time.Second, Sleep: (&sleeper{}).Sleep}

	out, err := p.Send(ctx, func(context.Context) error {
		cancel()
		return errors.New("interrupted")
	})

	assert.Equal(t, copier.Failed, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, copier.IsFatal(messenger.ErrPermissionDenied))
	assert.True(t, copier.IsFatal(messenger.ErrAuthInvalidated))
	assert.True(t, copier.IsFatal(messenger.ErrAuthDuplicated))
	assert.False(t, copier.IsFatal(messenger.ErrEntityNotFound))
	assert.False(t, copier.IsFatal(&messenger.RateLimitError{RetryAfter: time.Second}))
	assert.False(t, copier.IsFatal(errors.New("boom")))
}
