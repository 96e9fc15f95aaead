// Package mock provides an in-memory messaging network for tests.
package mock

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

const DefaultCode = "12345"

// Network holds chats, subscriptions and every Client dialed from it.
type Network struct {
	mu         sync.Mutex
	chats      map[int64]*chat
	usernames  map[string]int64
	unlisted   map[int64]bool
	subs       map[messenger.Handle]*subscription
	sent       map[int64][]messenger.Message
	clients    []*Client
	nextHandle int
	nextUserID int64

	// OnDial, when set, configures each new client before Dial returns it.
	OnDial  func(c *Client)
	DialErr error
	// Password, when set, makes SignIn demand a second factor.
	Password string
}

type chat struct {
	entity  messenger.Entity
	history []messenger.Message
	nextID  int64
}

type subscription struct {
	chatID  int64
	client  *Client
	handler messenger.Handler
}

func NewNetwork() *Network {
	return &Network{
		chats:      make(map[int64]*chat),
		usernames:  make(map[string]int64),
		unlisted:   make(map[int64]bool),
		subs:       make(map[messenger.Handle]*subscription),
		sent:       make(map[int64][]messenger.Message),
		nextUserID: 1000,
	}
}

var _ messenger.Dialer = (*Network)(nil)

// AddChannel registers a chat reachable by id and, if non-empty, username.
func (n *Network) AddChannel(id int64, username, title string) messenger.Entity {
	n.mu.Lock()
	defer n.mu.Unlock()
	e := messenger.Entity{ID: id, Kind: messenger.EntityChannel, Title: title, Username: username}
	n.chats[id] = &chat{entity: e, nextID: 1}
	if username != "" {
		n.usernames[username] = id
	}
	return e
}

// AddUnlistedChannel registers a chat that clients only see after RefreshDirectory.
func (n *Network) AddUnlistedChannel(id int64, username, title string) messenger.Entity {
	e := n.AddChannel(id, username, title)
	n.mu.Lock()
	n.unlisted[id] = true
	n.mu.Unlock()
	return e
}

// AppendHistory adds messages to a chat without notifying subscribers.
func (n *Network) AppendHistory(chatID int64, msgs ...messenger.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.chats[chatID]
	for _, m := range msgs {
		c.append(m)
	}
}

func (c *chat) append(m messenger.Message) messenger.Message {
	if m.ID == 0 {
		m.ID = c.nextID
	}
	if m.ID >= c.nextID {
		c.nextID = m.ID + 1
	}
	if m.Date.IsZero() {
		m.Date = time.Unix(1700000000+m.ID, 0).UTC()
	}
	c.history = append(c.history, m)
	return m
}

// Publish appends msg to the chat and delivers it to every subscription on a
// connected client, synchronously and in registration order. Handlers may
// unsubscribe themselves. It returns the number of handlers invoked.
func (n *Network) Publish(ctx context.Context, chatID int64, msg messenger.Message) int {
	n.mu.Lock()
	msg = n.chats[chatID].append(msg)
	handles := make([]messenger.Handle, 0, len(n.subs))
	for h, s := range n.subs {
		if s.chatID == chatID {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	var handlers []messenger.Handler
	for _, h := range handles {
		s := n.subs[h]
		if s.client.IsConnected() {
			handlers = append(handlers, s.handler)
		}
	}
	n.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
	return len(handlers)
}

// Sent returns the messages delivered to a chat via Send.
func (n *Network) Sent(chatID int64) []messenger.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent[chatID])
}

// SubscriptionCount returns the number of live subscriptions on chatID.
func (n *Network) SubscriptionCount(chatID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.subs {
		if s.chatID == chatID {
			count++
		}
	}
	return count
}

// TotalSubscriptions returns the number of live subscriptions on the network.
func (n *Network) TotalSubscriptions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Dials returns how many clients were built.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

// Clients returns every client built so far, oldest first.
func (n *Network) Clients() []*Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.clients)
}

func (n *Network) Dial(creds messenger.Credentials) (messenger.Client, error) {
	n.mu.Lock()
	if n.DialErr != nil {
		err := n.DialErr
		n.mu.Unlock()
		return nil, err
	}
	c := &Client{net: n, Creds: creds}
	if len(creds.Blob) > 0 {
		n.nextUserID++
		c.authorized = true
		c.user = &messenger.User{ID: n.nextUserID, Phone: creds.Phone}
	}
	n.clients = append(n.clients, c)
	onDial := n.OnDial
	n.mu.Unlock()

	if onDial != nil {
		onDial(c)
	}
	return c, nil
}

func (n *Network) lookup(ref models.ChannelRef, refreshed bool) (messenger.Entity, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := ref.ID()
	if !ref.IsNumeric() {
		var ok bool
		if id, ok = n.usernames[ref.Username()]; !ok {
			return messenger.Entity{}, false
		}
	}
	c, ok := n.chats[id]
	if !ok || (n.unlisted[id] && !refreshed) {
		return messenger.Entity{}, false
	}
	return c.entity, true
}

func (n *Network) history(chatID int64) ([]messenger.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.chats[chatID]
	if !ok {
		return nil, false
	}
	return slices.Clone(c.history), true
}

func (n *Network) subscribe(c *Client, chatID int64, handler messenger.Handler) messenger.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextHandle++
	h := messenger.Handle(fmt.Sprintf("sub-%06d", n.nextHandle))
	n.subs[h] = &subscription{chatID: chatID, client: c, handler: handler}
	return h
}

func (n *Network) unsubscribe(h messenger.Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, h)
}

func (n *Network) dropSubscriptions(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for h, s := range n.subs {
		if s.client == c {
			delete(n.subs, h)
		}
	}
}

func (n *Network) record(chatID int64, msg messenger.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[chatID] = append(n.sent[chatID], msg)
}

func (n *Network) newUser(phone string) *messenger.User {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextUserID++
	return &messenger.User{ID: n.nextUserID, Phone: phone}
}

// historySeq adapts a snapshot of history to the lazy sequence clients expose.
// live is checked before every item, as a paging client would notice a lost
// connection on its next fetch.
func historySeq(ctx context.Context, msgs []messenger.Message, oldestFirst bool, live func() error) iter.Seq2[messenger.Message, error] {
	return func(yield func(messenger.Message, error) bool) {
		ordered := slices.Clone(msgs)
		if !oldestFirst {
			slices.Reverse(ordered)
		}
		for _, m := range ordered {
			if err := ctx.Err(); err != nil {
				yield(messenger.Message{}, err)
				return
			}
			if err := live(); err != nil {
				yield(messenger.Message{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}
