package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/relaycopy/internal/cache"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// BeginLogin asks the network to send a verification code to the identity's
// phone. The code hash is kept in the cache until CompleteLogin.
func (p *Pool) BeginLogin(ctx context.Context, id Identity) error {
	client, err := p.GetOrCreateConnection(ctx, id)
	if err != nil {
		return err
	}
	hash, err := client.SendCode(ctx, id.Phone)
	if err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	if err := p.cache.Set(ctx, cache.LoginStateKey(id.Key()), []byte(hash), p.cfg.LoginTTL); err != nil {
		return fmt.Errorf("store login state: %w", err)
	}
	slog.Info("verification code sent", "identity", id.Key())
	return nil
}

// CompleteLogin signs in with the verification code. messenger.ErrPasswordRequired
// means the account has a second factor; finish with CompletePassword.
func (p *Pool) CompleteLogin(ctx context.Context, id Identity, code string) (*messenger.User, error) {
	key := id.Key()
	hash, ok, err := p.cache.Get(ctx, cache.LoginStateKey(key))
	if err != nil {
		return nil, fmt.Errorf("load login state: %w", err)
	}
	if !ok {
		return nil, ErrNoPendingLogin
	}

	unlock, err := p.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e := p.cached(key)
	if e == nil {
		return nil, ErrNoPendingLogin
	}
	user, err := e.client.SignIn(ctx, id.Phone, code, string(hash))
	if err != nil {
		if errors.Is(err, messenger.ErrPasswordRequired) {
			return nil, err
		}
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return user, p.finishLogin(ctx, id, e.client)
}

// CompletePassword finishes a login that demanded a second factor.
func (p *Pool) CompletePassword(ctx context.Context, id Identity, password string) (*messenger.User, error) {
	key := id.Key()
	if _, ok, err := p.cache.Get(ctx, cache.LoginStateKey(key)); err != nil {
		return nil, fmt.Errorf("load login state: %w", err)
	} else if !ok {
		return nil, ErrNoPendingLogin
	}

	unlock, err := p.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e := p.cached(key)
	if e == nil {
		return nil, ErrNoPendingLogin
	}
	user, err := e.client.SignInPassword(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("sign in with password: %w", err)
	}
	return user, p.finishLogin(ctx, id, e.client)
}

// finishLogin persists the new authorization. Callers hold the identity lock.
func (p *Pool) finishLogin(ctx context.Context, id Identity, client messenger.Client) error {
	key := id.Key()
	blob, err := client.ExportCredentials(ctx)
	if err != nil {
		return fmt.Errorf("export credentials: %w", err)
	}

	now := p.now()
	sess := &models.Session{
		IdentityKey: key,
		OwnerID:     id.OwnerID,
		Phone:       id.Phone,
		AppID:       id.AppID,
		AppHash:     id.AppHash,
		Credentials: blob,
		Active:      true,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := p.sessions.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := p.vault.Write(key, blob); err != nil {
		slog.Warn("write credential file", "identity", key, "error", err)
	}
	if err := p.cache.Delete(ctx, cache.LoginStateKey(key)); err != nil {
		slog.Warn("clear login state", "identity", key, "error", err)
	}

	p.mu.Lock()
	p.authTimes[key] = now
	p.touched[key] = now
	p.mu.Unlock()

	slog.Info("login completed", "identity", key, "owner_id", id.OwnerID)
	return nil
}
