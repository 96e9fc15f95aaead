package mock

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// Client is a messenger.Client backed by a Network. The Func fields override
// default behavior when set.
type Client struct {
	net   *Network
	Creds messenger.Credentials

	ConnectFunc func(ctx context.Context) error
	WhoAmIFunc  func(ctx context.Context) (*messenger.User, error)
	SendFunc    func(ctx context.Context, target messenger.Entity, msg messenger.Message) error

	mu              sync.Mutex
	connected       bool
	authorized      bool
	revoked         bool
	refreshed       bool
	pendingPassword bool
	connects        int
	disconnects     int
	user            *messenger.User
}

var _ messenger.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	if c.ConnectFunc != nil {
		if err := c.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.connects++
	// a new connection is only as authorized as the blob it presents
	c.authorized = len(c.Creds.Blob) > 0 && !c.revoked
	return nil
}

func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.disconnects++
	c.mu.Unlock()
	c.net.dropSubscriptions(c)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Drop simulates a network drop: the client stays cached but is no longer
// connected. Nothing is delivered while dropped. Subscriptions resume after a
// successful Connect, matching the bridge client re-opening its update
// streams; Disconnect ends them.
func (c *Client) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Revoke simulates the account owner terminating this session remotely.
func (c *Client) Revoke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorized = false
	c.revoked = true
}

func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Client) requireConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return messenger.ErrNotConnected
	}
	return nil
}

func (c *Client) WhoAmI(ctx context.Context) (*messenger.User, error) {
	if c.WhoAmIFunc != nil {
		return c.WhoAmIFunc(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, messenger.ErrNotConnected
	}
	if !c.authorized {
		return nil, messenger.ErrAuthInvalidated
	}
	u := *c.user
	return &u, nil
}

func (c *Client) ResolveRef(_ context.Context, ref models.ChannelRef) (messenger.Entity, error) {
	if err := c.requireConnected(); err != nil {
		return messenger.Entity{}, err
	}
	c.mu.Lock()
	refreshed := c.refreshed
	c.mu.Unlock()

	e, ok := c.net.lookup(ref, refreshed)
	if !ok {
		return messenger.Entity{}, fmt.Errorf("%w: %s", messenger.ErrEntityNotFound, ref)
	}
	return e, nil
}

func (c *Client) RefreshDirectory(_ context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed = true
	return nil
}

func (c *Client) IterateHistory(ctx context.Context, entity messenger.Entity, oldestFirst bool) iter.Seq2[messenger.Message, error] {
	if err := c.requireConnected(); err != nil {
		return func(yield func(messenger.Message, error) bool) { yield(messenger.Message{}, err) }
	}
	msgs, ok := c.net.history(entity.ID)
	if !ok {
		return func(yield func(messenger.Message, error) bool) {
			yield(messenger.Message{}, fmt.Errorf("%w: %d", messenger.ErrEntityNotFound, entity.ID))
		}
	}
	return historySeq(ctx, msgs, oldestFirst, c.requireConnected)
}

func (c *Client) CountHistory(_ context.Context, entity messenger.Entity) (int, error) {
	if err := c.requireConnected(); err != nil {
		return 0, err
	}
	msgs, ok := c.net.history(entity.ID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", messenger.ErrEntityNotFound, entity.ID)
	}
	return len(msgs), nil
}

func (c *Client) Send(ctx context.Context, target messenger.Entity, msg messenger.Message) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if c.SendFunc != nil {
		if err := c.SendFunc(ctx, target, msg); err != nil {
			return err
		}
	}
	c.net.record(target.ID, msg)
	return nil
}

func (c *Client) Subscribe(_ context.Context, entity messenger.Entity, handler messenger.Handler) (messenger.Handle, error) {
	if err := c.requireConnected(); err != nil {
		return "", err
	}
	return c.net.subscribe(c, entity.ID, handler), nil
}

func (c *Client) Unsubscribe(h messenger.Handle) error {
	c.net.unsubscribe(h)
	return nil
}

func (c *Client) SendCode(_ context.Context, phone string) (string, error) {
	if err := c.requireConnected(); err != nil {
		return "", err
	}
	return "hash-" + phone, nil
}

func (c *Client) SignIn(_ context.Context, phone, code, codeHash string) (*messenger.User, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if code != DefaultCode || codeHash != "hash-"+phone {
		return nil, messenger.ErrInvalidCode
	}
	if c.net.Password != "" {
		c.mu.Lock()
		c.pendingPassword = true
		c.mu.Unlock()
		return nil, messenger.ErrPasswordRequired
	}
	return c.authorize(phone), nil
}

func (c *Client) SignInPassword(_ context.Context, password string) (*messenger.User, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	pending := c.pendingPassword
	c.mu.Unlock()
	if !pending || password != c.net.Password {
		return nil, messenger.ErrInvalidCode
	}
	return c.authorize(c.Creds.Phone), nil
}

func (c *Client) authorize(phone string) *messenger.User {
	u := c.net.newUser(phone)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorized = true
	c.pendingPassword = false
	c.user = u
	out := *u
	return &out
}

func (c *Client) ExportCredentials(_ context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized {
		return nil, messenger.ErrAuthInvalidated
	}
	blob := []byte("session:" + c.Creds.Phone)
	c.Creds.Blob = blob
	return slices.Clone(blob), nil
}
