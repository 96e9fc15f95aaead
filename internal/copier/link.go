package copier

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
)

// link is one job's handle on the owner's connection. When a call finds the
// connection gone, refresh asks the session manager again, which reconnects
// the same client or hands back a rebuilt one.
type link struct {
	sessions Sessions
	ownerID  uuid.UUID

	mu     sync.Mutex
	client messenger.Client
}

func (o *Orchestrator) newLink(ownerID uuid.UUID, client messenger.Client) *link {
	return &link{sessions: o.sessions, ownerID: ownerID, client: client}
}

func (l *link) current() messenger.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *link) refresh(ctx context.Context) (messenger.Client, error) {
	c, err := l.sessions.ConnectionForOwner(ctx, l.ownerID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c != l.client {
		slog.Info("owner connection replaced", "owner_id", l.ownerID)
	}
	l.client = c
	return c, nil
}

// send returns one send attempt for SendPolicy. A dropped connection is
// refreshed so the next retry goes over a live client.
func (l *link) send(dst messenger.Entity, msg messenger.Message) func(context.Context) error {
	return func(ctx context.Context) error {
		err := l.current().Send(ctx, dst, msg)
		if !errors.Is(err, messenger.ErrNotConnected) {
			return err
		}
		if _, rerr := l.refresh(ctx); rerr != nil {
			if messenger.IsSessionFatal(rerr) {
				return rerr
			}
			slog.Warn("reconnect before retry failed", "owner_id", l.ownerID, "error", rerr)
		}
		return err
	}
}
