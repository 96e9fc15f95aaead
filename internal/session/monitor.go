package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/relaycopy/internal/messenger"
)

const whoAmITimeout = 15 * time.Second

// CheckActive runs WhoAmI on every connected client once and tears down identities
// whose authorization is gone. A failed check is ignored during the grace
// period after login and while the owner has active jobs. It returns the
// number of identities torn down.
func (p *Pool) CheckActive(ctx context.Context) int {
	type candidate struct {
		key   string
		entry *entry
	}
	p.mu.Lock()
	candidates := make([]candidate, 0, len(p.conns))
	for key, e := range p.conns {
		candidates = append(candidates, candidate{key: key, entry: e})
	}
	p.mu.Unlock()

	removed := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return removed
		}
		if !c.entry.client.IsConnected() {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, whoAmITimeout)
		user, err := c.entry.client.WhoAmI(checkCtx)
		cancel()

		if err == nil && user != nil {
			continue
		}
		if err != nil && !messenger.IsSessionFatal(err) {
			slog.Debug("liveness check failed, leaving session alone", "identity", c.key, "error", err)
			continue
		}

		p.mu.Lock()
		authAt, ok := p.authTimes[c.key]
		p.mu.Unlock()
		if ok && p.now().Sub(authAt) < p.cfg.GracePeriod {
			slog.Info("liveness check failed within login grace period, skipping", "identity", c.key)
			continue
		}

		jobs, err := p.jobs.ListActiveJobsByOwner(ctx, c.entry.ownerID)
		if err != nil {
			slog.Warn("active job check failed, skipping cleanup", "identity", c.key, "error", err)
			continue
		}
		if len(jobs) > 0 {
			slog.Info("liveness check failed but owner has active jobs, skipping cleanup",
				"identity", c.key, "active_jobs", len(jobs))
			continue
		}

		if err := p.Teardown(ctx, c.key); err != nil {
			slog.Error("teardown after failed liveness check", "identity", c.key, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// Monitor runs CheckActive on a fixed interval.
type Monitor struct {
	pool     *Pool
	interval time.Duration

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func NewMonitor(pool *Pool, interval time.Duration) *Monitor {
	return &Monitor{
		pool:     pool,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the monitor loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in session monitor", "panic", r)
		}
	}()
	if n := m.pool.CheckActive(ctx); n > 0 {
		slog.Info("session monitor removed revoked sessions", "count", n)
	}
}

// Stop ends the loop and waits for an in-flight pass to finish. Stop must
// only be called after Start.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}
