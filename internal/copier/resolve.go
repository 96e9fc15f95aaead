package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// ErrUnresolvable means a channel reference matched nothing after every
// fallback. It is fatal to the job.
var ErrUnresolvable = errors.New("channel could not be resolved")

// Resolve maps ref to an entity: as given, then after a directory refresh,
// then (for small-group numeric ids) in the supergroup encoding. Errors other
// than not-found stop the search and are returned unchanged.
func Resolve(ctx context.Context, client messenger.Client, ref models.ChannelRef) (messenger.Entity, error) {
	e, err := client.ResolveRef(ctx, ref)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, messenger.ErrEntityNotFound) {
		return messenger.Entity{}, err
	}

	if err := client.RefreshDirectory(ctx); err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			return messenger.Entity{}, err
		}
		slog.Warn("directory refresh failed", "ref", ref.String(), "error", err)
	}
	e, err = client.ResolveRef(ctx, ref)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, messenger.ErrEntityNotFound) {
		return messenger.Entity{}, err
	}

	alt, ok := ref.Alternate()
	if !ok {
		return messenger.Entity{}, fmt.Errorf("%w: %s", ErrUnresolvable, ref)
	}
	e, err = client.ResolveRef(ctx, alt)
	if err == nil {
		slog.Info("resolved channel via alternate id", "ref", ref.String(), "alternate", alt.String())
		return e, nil
	}
	if !errors.Is(err, messenger.ErrEntityNotFound) {
		return messenger.Entity{}, err
	}
	return messenger.Entity{}, fmt.Errorf("%w: %s (also tried %s)", ErrUnresolvable, ref, alt)
}
