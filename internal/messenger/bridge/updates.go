package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
)

type updateFrame struct {
	Type    string            `json:"type"`
	Message messenger.Message `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// stream is one websocket subscription. It redials after unexpected drops
// until cancelled.
type stream struct {
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *stream) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (c *Client) updatesURL(entity messenger.Entity) (string, error) {
	path, err := c.sessionPath("/updates?peer=" + strconv.FormatInt(entity.ID, 10))
	if err != nil {
		return "", err
	}
	u := c.d.baseURL + path
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u, nil
}

// Subscribe opens the update stream for entity. The first dial happens under
// ctx so callers see registration failures; the stream then runs until
// Unsubscribe or Disconnect.
func (c *Client) Subscribe(ctx context.Context, entity messenger.Entity, handler messenger.Handler) (messenger.Handle, error) {
	u, err := c.updatesURL(entity)
	if err != nil {
		return "", err
	}

	conn, _, err := c.d.ws.DialContext(ctx, u, nil)
	if err != nil {
		return "", fmt.Errorf("websocket connect: %w", classifyError(err))
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{cancel: cancel, conn: conn}
	h := messenger.Handle("ws-" + uuid.NewString())

	c.mu.Lock()
	c.streams[h] = s
	c.mu.Unlock()

	go c.run(streamCtx, s, entity, handler)
	return h, nil
}

func (c *Client) run(ctx context.Context, s *stream, entity messenger.Entity, handler messenger.Handler) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		err := readFrames(ctx, conn, handler)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("update stream dropped, redialing", "peer", entity.ID, "error", err)

		conn = c.redial(ctx, entity)
		if conn == nil {
			return
		}
		s.setConn(conn)
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		slog.Info("update stream restored", "peer", entity.ID)
	}
}

// redial waits until the stream can be reopened. A gateway session that went
// away is reconnected first, so a subscriber-only client recovers without any
// other call touching it. It returns nil when the stream must end: on
// cancellation or when the authorization is gone.
func (c *Client) redial(ctx context.Context, entity messenger.Entity) *websocket.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.d.RedialDelay):
		}

		if !c.IsConnected() {
			if err := c.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if messenger.IsSessionFatal(err) {
					slog.Error("update stream stopped, authorization lost", "peer", entity.ID, "error", err)
					return nil
				}
				slog.Warn("update stream reconnect failed", "peer", entity.ID, "error", err)
				continue
			}
		}

		u, err := c.updatesURL(entity)
		if err != nil {
			continue
		}
		conn, resp, err := c.d.ws.DialContext(ctx, u, nil)
		if err == nil {
			return conn
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			// The gateway no longer knows the session.
			c.forgetSession()
		}
		slog.Warn("update stream redial failed", "peer", entity.ID, "error", err)
	}
}

// readFrames delivers message frames to handler one at a time until the
// connection fails.
func readFrames(ctx context.Context, conn *websocket.Conn, handler messenger.Handler) error {
	defer conn.Close()
	for {
		var frame updateFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Type {
		case "message":
			handler(ctx, frame.Message)
		case "error":
			if frame.Error != nil {
				return fmt.Errorf("%w: %s", ErrGatewayError, frame.Error.Code)
			}
			return ErrGatewayError
		}
	}
}

func (c *Client) Unsubscribe(h messenger.Handle) error {
	c.mu.Lock()
	s, ok := c.streams[h]
	delete(c.streams, h)
	c.mu.Unlock()

	if ok {
		s.close()
	}
	return nil
}

func (c *Client) closeStreams() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[messenger.Handle]*stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}
