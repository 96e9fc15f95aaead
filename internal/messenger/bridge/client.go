// Package bridge implements messenger.Client against a protocol gateway: a
// sidecar that holds the network's native sessions and exposes them over a
// JSON HTTP API plus a websocket update stream.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

const (
	defaultPageSize    = 100
	defaultRedialDelay = 2 * time.Second
)

// Dialer builds gateway-backed clients.
type Dialer struct {
	baseURL  string
	client   *http.Client
	ws       *websocket.Dialer
	pageSize int

	// RedialDelay is the pause between attempts to restore a dropped update
	// stream.
	RedialDelay time.Duration
}

// NewDialer creates a Dialer for the gateway at baseURL.
func NewDialer(baseURL string, timeout time.Duration) *Dialer {
	return &Dialer{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		ws:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pageSize: defaultPageSize,

		RedialDelay: defaultRedialDelay,
	}
}

var _ messenger.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(creds messenger.Credentials) (messenger.Client, error) {
	if creds.AppID == 0 || creds.AppHash == "" {
		return nil, fmt.Errorf("dial: app id and app hash are required")
	}
	return &Client{d: d, creds: creds, streams: make(map[messenger.Handle]*stream)}, nil
}

// Client is one gateway session. It reconnects with the most recent
// credentials it has seen: the dialed blob, or the one exported after login.
type Client struct {
	d *Dialer

	// connectMu serializes Connect between callers and update streams.
	connectMu sync.Mutex

	mu        sync.Mutex
	creds     messenger.Credentials
	sessionID string
	streams   map[messenger.Handle]*stream
}

var _ messenger.Client = (*Client)(nil)

func (c *Client) session() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return "", messenger.ErrNotConnected
	}
	return c.sessionID, nil
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.d.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.d.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		mapped := mapError(resp.StatusCode, eb)
		if errors.Is(mapped, messenger.ErrNotConnected) {
			c.forgetSession()
		}
		return mapped
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	return nil
}

// sessionPath returns the URL path of a resource under the current session.
func (c *Client) sessionPath(suffix string) (string, error) {
	sid, err := c.session()
	if err != nil {
		return "", err
	}
	return "/v1/sessions/" + url.PathEscape(sid) + suffix, nil
}

func (c *Client) forgetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
}

type connectRequest struct {
	Phone       string `json:"phone"`
	AppID       int    `json:"app_id"`
	AppHash     string `json:"app_hash"`
	Credentials []byte `json:"credentials,omitempty"`
}

// Connect opens a gateway session. Calling it on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.IsConnected() {
		return nil
	}

	c.mu.Lock()
	req := connectRequest{
		Phone:       c.creds.Phone,
		AppID:       c.creds.AppID,
		AppHash:     c.creds.AppHash,
		Credentials: c.creds.Blob,
	}
	c.mu.Unlock()

	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if out.SessionID == "" {
		return fmt.Errorf("connect: %w: empty session id", ErrGatewayError)
	}

	c.mu.Lock()
	c.sessionID = out.SessionID
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.closeStreams()

	path, err := c.sessionPath("")
	if err != nil {
		return nil
	}
	c.forgetSession()

	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil && !errors.Is(err, messenger.ErrNotConnected) {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID != ""
}

func (c *Client) WhoAmI(ctx context.Context) (*messenger.User, error) {
	path, err := c.sessionPath("/me")
	if err != nil {
		return nil, err
	}
	var u messenger.User
	if err := c.do(ctx, http.MethodGet, path, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

type resolveRequest struct {
	Username string `json:"username,omitempty"`
	ID       int64  `json:"id,omitempty"`
}

func (c *Client) ResolveRef(ctx context.Context, ref models.ChannelRef) (messenger.Entity, error) {
	path, err := c.sessionPath("/resolve")
	if err != nil {
		return messenger.Entity{}, err
	}
	req := resolveRequest{Username: ref.Username()}
	if ref.IsNumeric() {
		req = resolveRequest{ID: ref.ID()}
	}
	var e messenger.Entity
	if err := c.do(ctx, http.MethodPost, path, req, &e); err != nil {
		return messenger.Entity{}, err
	}
	return e, nil
}

func (c *Client) RefreshDirectory(ctx context.Context) error {
	path, err := c.sessionPath("/dialogs/refresh")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

type historyPage struct {
	Messages   []messenger.Message `json:"messages"`
	NextOffset int64               `json:"next_offset"`
}

// IterateHistory pages through history lazily; a page is fetched only when
// the consumer has drained the previous one.
func (c *Client) IterateHistory(ctx context.Context, entity messenger.Entity, oldestFirst bool) iter.Seq2[messenger.Message, error] {
	return func(yield func(messenger.Message, error) bool) {
		path, err := c.sessionPath("/history")
		if err != nil {
			yield(messenger.Message{}, err)
			return
		}

		var offset int64
		for {
			params := url.Values{
				"peer":    {strconv.FormatInt(entity.ID, 10)},
				"limit":   {strconv.Itoa(c.d.pageSize)},
				"reverse": {strconv.FormatBool(oldestFirst)},
			}
			if offset != 0 {
				params.Set("offset_id", strconv.FormatInt(offset, 10))
			}

			var page historyPage
			if err := c.do(ctx, http.MethodGet, path+"?"+params.Encode(), nil, &page); err != nil {
				yield(messenger.Message{}, fmt.Errorf("history page: %w", err))
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if page.NextOffset == 0 || len(page.Messages) == 0 {
				return
			}
			offset = page.NextOffset
		}
	}
}

func (c *Client) CountHistory(ctx context.Context, entity messenger.Entity) (int, error) {
	path, err := c.sessionPath("/history/count?peer=" + strconv.FormatInt(entity.ID, 10))
	if err != nil {
		return 0, err
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

type sendRequest struct {
	Peer    int64             `json:"peer"`
	Message messenger.Message `json:"message"`
}

func (c *Client) Send(ctx context.Context, target messenger.Entity, msg messenger.Message) error {
	path, err := c.sessionPath("/messages")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, sendRequest{Peer: target.ID, Message: msg}, nil)
}

func (c *Client) SendCode(ctx context.Context, phone string) (string, error) {
	path, err := c.sessionPath("/auth/code")
	if err != nil {
		return "", err
	}
	var out struct {
		CodeHash string `json:"code_hash"`
	}
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"phone": phone}, &out); err != nil {
		return "", err
	}
	return out.CodeHash, nil
}

func (c *Client) SignIn(ctx context.Context, phone, code, codeHash string) (*messenger.User, error) {
	path, err := c.sessionPath("/auth/sign-in")
	if err != nil {
		return nil, err
	}
	var u messenger.User
	err = c.do(ctx, http.MethodPost, path, map[string]string{
		"phone":     phone,
		"code":      code,
		"code_hash": codeHash,
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) SignInPassword(ctx context.Context, password string) (*messenger.User, error) {
	path, err := c.sessionPath("/auth/password")
	if err != nil {
		return nil, err
	}
	var u messenger.User
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"password": password}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ExportCredentials(ctx context.Context) ([]byte, error) {
	path, err := c.sessionPath("/credentials")
	if err != nil {
		return nil, err
	}
	var out struct {
		Credentials []byte `json:"credentials"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Credentials) > 0 {
		c.mu.Lock()
		c.creds.Blob = out.Credentials
		c.mu.Unlock()
	}
	return out.Credentials, nil
}
