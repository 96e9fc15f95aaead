// Package session owns the live connections to the messaging network: one
// cached client per identity, rebuilt from persisted credentials on demand.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/cache"
	"github.com/kiranshivaraju/relaycopy/internal/keylock"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/internal/store"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

var (
	// ErrSessionInvalid means a usable connection could not be established.
	// Callers must not retry blindly; a new login may be required.
	ErrSessionInvalid  = errors.New("session invalid")
	ErrNoSession       = errors.New("no session for owner")
	ErrNoPendingLogin  = errors.New("no pending login")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// ActiveJobChecker reports an owner's pending and running jobs.
type ActiveJobChecker interface {
	ListActiveJobsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Job, error)
}

type Config struct {
	// Expiry is the idle time after which a session must log in again.
	Expiry time.Duration
	// GracePeriod protects fresh logins from a failing liveness check.
	GracePeriod time.Duration
	// TouchInterval throttles lastUsedAt writes per identity.
	TouchInterval time.Duration
	LoginTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Expiry:        7 * 24 * time.Hour,
		GracePeriod:   5 * time.Minute,
		TouchInterval: 5 * time.Minute,
		LoginTTL:      10 * time.Minute,
	}
}

type entry struct {
	client  messenger.Client
	ownerID uuid.UUID
}

// Pool caches at most one client per identity key. The per-identity lock
// serializes connect, reconnect and teardown; mu only guards the maps.
type Pool struct {
	sessions store.SessionRepo
	jobs     ActiveJobChecker
	cache    cache.Cache
	dialer   messenger.Dialer
	vault    *Vault
	cfg      Config
	locks    *keylock.Locker

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu         sync.Mutex
	conns      map[string]*entry
	touched    map[string]time.Time
	authTimes  map[string]time.Time
	onReplaced func(ownerID uuid.UUID)
}

func NewPool(sessions store.SessionRepo, jobs ActiveJobChecker, c cache.Cache, dialer messenger.Dialer, vault *Vault, cfg Config) *Pool {
	return &Pool{
		sessions:  sessions,
		jobs:      jobs,
		cache:     c,
		dialer:    dialer,
		vault:     vault,
		cfg:       cfg,
		locks:     keylock.New(),
		Now:       time.Now,
		conns:     make(map[string]*entry),
		touched:   make(map[string]time.Time),
		authTimes: make(map[string]time.Time),
	}
}

// OnClientReplaced registers fn to run after a cached client that could not
// reconnect was replaced by a new one. Subscriptions held on the old client
// are gone by then. fn runs under the identity lock and must not block.
func (p *Pool) OnClientReplaced(fn func(ownerID uuid.UUID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReplaced = fn
}

func (p *Pool) now() time.Time { return p.Now().UTC() }

func (p *Pool) cached(key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[key]
}

func (p *Pool) put(key string, ownerID uuid.UUID, c messenger.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[key] = &entry{client: c, ownerID: ownerID}
}

// evict drops the cache entry and disconnects it.
func (p *Pool) evict(ctx context.Context, key string) {
	p.mu.Lock()
	e := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()

	if e != nil {
		if err := e.client.Disconnect(ctx); err != nil {
			slog.Warn("disconnect evicted client", "identity", key, "error", err)
		}
	}
}

// GetOrCreateConnection returns the live client for id, reconnecting or
// rebuilding it from persisted credentials as needed. With no persisted
// credentials the client is connected but unauthorized, ready for login.
func (p *Pool) GetOrCreateConnection(ctx context.Context, id Identity) (messenger.Client, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	key := id.Key()

	unlock, err := p.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := p.sessions.GetSession(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if sess != nil && p.now().Sub(sess.LastUsedAt) > p.cfg.Expiry {
		slog.Info("session idle past expiry, forcing re-authentication",
			"identity", key, "last_used_at", sess.LastUsedAt)
		if err := p.teardownLocked(ctx, key); err != nil {
			return nil, err
		}
		sess = nil
	}

	replaced := false
	if e := p.cached(key); e != nil {
		if e.client.IsConnected() {
			p.touch(ctx, key)
			return e.client, nil
		}

		err := e.client.Connect(ctx)
		if err == nil {
			slog.Info("reconnected cached client", "identity", key)
			p.touch(ctx, key)
			return e.client, nil
		}
		p.evict(ctx, key)
		if errors.Is(err, messenger.ErrAuthDuplicated) {
			slog.Warn("credentials used from another location, login required", "identity", key)
			return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, err)
		}
		slog.Warn("reconnect failed, rebuilding client", "identity", key, "error", err)
		replaced = true
	}

	var blob []byte
	if sess != nil {
		blob = sess.Credentials
		if len(blob) == 0 {
			if blob, err = p.vault.Read(key); err != nil {
				slog.Warn("credential file unreadable", "identity", key, "error", err)
			}
		}
	}

	client, err := p.dialer.Dial(id.credentials(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrSessionInvalid, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrSessionInvalid, err)
	}

	p.put(key, id.OwnerID, client)
	slog.Info("client connected", "identity", key, "restored", len(blob) > 0)
	p.touch(ctx, key)

	if replaced {
		p.mu.Lock()
		fn := p.onReplaced
		p.mu.Unlock()
		if fn != nil {
			fn(id.OwnerID)
		}
	}
	return client, nil
}

// touch refreshes lastUsedAt at most once per TouchInterval per identity.
func (p *Pool) touch(ctx context.Context, key string) {
	now := p.now()
	p.mu.Lock()
	last, ok := p.touched[key]
	if ok && now.Sub(last) < p.cfg.TouchInterval {
		p.mu.Unlock()
		return
	}
	p.touched[key] = now
	p.mu.Unlock()

	if err := p.sessions.UpdateSessionLastUsed(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("refresh session last used", "identity", key, "error", err)
	}
}

// ConnectionForOwner returns the client for the owner's persisted session.
func (p *Pool) ConnectionForOwner(ctx context.Context, ownerID uuid.UUID) (messenger.Client, error) {
	sess, err := p.sessions.GetSessionByOwner(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load owner session: %w", err)
	}
	return p.GetOrCreateConnection(ctx, IdentityFromSession(sess))
}

// Teardown disconnects the identity, deletes its credential file and its
// session row. It is the only path that destroys a session.
func (p *Pool) Teardown(ctx context.Context, identityKey string) error {
	unlock, err := p.locks.Lock(ctx, identityKey)
	if err != nil {
		return err
	}
	defer unlock()
	return p.teardownLocked(ctx, identityKey)
}

func (p *Pool) teardownLocked(ctx context.Context, key string) error {
	p.mu.Lock()
	delete(p.touched, key)
	delete(p.authTimes, key)
	p.mu.Unlock()

	p.evict(ctx, key)

	if err := p.vault.Remove(key); err != nil {
		slog.Warn("remove credential file", "identity", key, "error", err)
	}
	if p.cache != nil {
		if err := p.cache.Delete(ctx, cache.LoginStateKey(key)); err != nil {
			slog.Warn("clear login state", "identity", key, "error", err)
		}
	}
	if err := p.sessions.DeleteSession(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	slog.Info("session torn down", "identity", key)
	return nil
}

// HandleRevoked is called when a caller observed the identity's
// authorization being invalidated.
func (p *Pool) HandleRevoked(ctx context.Context, identityKey string) error {
	slog.Warn("authorization revoked", "identity", identityKey)
	return p.Teardown(ctx, identityKey)
}

// ownerKeys lists identity keys belonging to ownerID, cached or persisted.
func (p *Pool) ownerKeys(ctx context.Context, ownerID uuid.UUID) ([]string, error) {
	seen := make(map[string]bool)
	var keys []string

	p.mu.Lock()
	for key, e := range p.conns {
		if e.ownerID == ownerID {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	p.mu.Unlock()

	sess, err := p.sessions.GetSessionByOwner(ctx, ownerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return keys, fmt.Errorf("load owner session: %w", err)
	}
	if sess != nil && !seen[sess.IdentityKey] {
		keys = append(keys, sess.IdentityKey)
	}
	return keys, nil
}

// InvalidateOwner tears down every identity of ownerID.
func (p *Pool) InvalidateOwner(ctx context.Context, ownerID uuid.UUID) error {
	keys, err := p.ownerKeys(ctx, ownerID)
	errs := []error{err}
	for _, key := range keys {
		errs = append(errs, p.HandleRevoked(ctx, key))
	}
	return errors.Join(errs...)
}

// Logout ends the owner's session.
func (p *Pool) Logout(ctx context.Context, ownerID uuid.UUID) error {
	keys, err := p.ownerKeys(ctx, ownerID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, key := range keys {
		errs = append(errs, p.Teardown(ctx, key))
	}
	return errors.Join(errs...)
}

// Status reports the owner's connection state. Any failure yields a
// disconnected, unauthorized snapshot.
func (p *Pool) Status(ctx context.Context, ownerID uuid.UUID) models.SessionStatus {
	client, err := p.ConnectionForOwner(ctx, ownerID)
	if err != nil {
		return models.SessionStatus{}
	}
	status := models.SessionStatus{Connected: client.IsConnected()}
	if !status.Connected {
		return status
	}
	user, err := client.WhoAmI(ctx)
	if err != nil || user == nil {
		return status
	}
	id := user.ID
	status.Authorized = true
	status.RemoteUserID = &id
	return status
}

// CloseAll disconnects every cached client without touching persisted state.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*entry)
	p.mu.Unlock()

	for key, e := range conns {
		if err := e.client.Disconnect(ctx); err != nil {
			slog.Warn("disconnect client", "identity", key, "error", err)
		}
	}
	slog.Info("all session clients closed", "count", len(conns))
}
