// Package messenger defines the capability surface used to talk to the
// external messaging network. Implementations live in sub-packages.
package messenger

import (
	"context"
	"iter"
	"time"

	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// Client is one logical identity connected to the messaging network.
// Implementations must be safe for concurrent use.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// WhoAmI is the liveness check. It returns ErrAuthInvalidated when the
	// connection is up but no longer authorized.
	WhoAmI(ctx context.Context) (*User, error)

	ResolveRef(ctx context.Context, ref models.ChannelRef) (Entity, error)
	// RefreshDirectory reloads the locally cached list of known chats so that
	// a subsequent ResolveRef can see newly joined ones.
	RefreshDirectory(ctx context.Context) error

	// IterateHistory lazily yields the entity's messages. The sequence is
	// finite and may be restarted by calling IterateHistory again.
	IterateHistory(ctx context.Context, entity Entity, oldestFirst bool) iter.Seq2[Message, error]
	// CountHistory returns the number of messages in the entity's history.
	CountHistory(ctx context.Context, entity Entity) (int, error)
	Send(ctx context.Context, target Entity, msg Message) error

	// Subscribe registers handler for new messages in entity. Handlers for one
	// subscription are invoked sequentially in arrival order. The subscription
	// outlives ctx; it ends on Unsubscribe or Disconnect.
	Subscribe(ctx context.Context, entity Entity, handler Handler) (Handle, error)
	Unsubscribe(h Handle) error

	SendCode(ctx context.Context, phone string) (codeHash string, err error)
	SignIn(ctx context.Context, phone, code, codeHash string) (*User, error)
	SignInPassword(ctx context.Context, password string) (*User, error)
	// ExportCredentials serializes the authorization so a later Dial can
	// reconnect without a new login. The client keeps the exported blob and
	// presents it on its own later Connect calls.
	ExportCredentials(ctx context.Context) ([]byte, error)
}

// Handler receives one new message from a subscription.
type Handler func(ctx context.Context, msg Message)

// Handle identifies a live subscription.
type Handle string

// Credentials is what a Dialer needs to build a Client. An empty Blob means a
// fresh, unauthorized connection.
type Credentials struct {
	Phone   string
	AppID   int
	AppHash string
	Blob    []byte
}

// Dialer builds a Client without connecting it.
type Dialer interface {
	Dial(creds Credentials) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(creds Credentials) (Client, error)

func (f DialerFunc) Dial(creds Credentials) (Client, error) { return f(creds) }

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

const (
	EntityChannel = "channel"
	EntityGroup   = "group"
	EntityUser    = "user"
)

// Entity is an addressable chat handle returned by ResolveRef.
type Entity struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// Message is one history item or live event. Service messages (joins, pins,
// title changes) carry no content and are never copied.
type Message struct {
	ID       int64     `json:"id"`
	Date     time.Time `json:"date"`
	Text     string    `json:"text,omitempty"`
	MediaRef string    `json:"media_ref,omitempty"`
	Service  bool      `json:"service,omitempty"`
}

// HasContent reports whether the message is worth copying.
func (m Message) HasContent() bool {
	return !m.Service && (m.Text != "" || m.MediaRef != "")
}
