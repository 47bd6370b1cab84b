package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lessonlink/presenter-sync/pkg/metrics"
	"github.com/lessonlink/presenter-sync/pkg/protocol"
)

var (
	// ErrSendBufferFull is returned when a client is not draining its outbound queue.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("client closed")
)

// Connection roles.
const (
	RolePresenter  = "presenter"
	RoleController = "controller"
)

// Client represents a single websocket connection attached to (at most) one session.
type Client struct {
	id        string
	server    *Server
	conn      *websocket.Conn
	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger

	// token is the presenter token presented on upgrade, if any.
	token string

	mu   sync.Mutex
	code string
	role string
	sub  *subscription
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues a message for the write pump. It never blocks: a full buffer closes the client.
func (c *Client) Send(msgType string, payload interface{}) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send buffer full, closing client", zap.String("client_id", c.id))
		metrics.MessagesDropped.WithLabelValues("buffer_full").Inc()
		c.Close()
		return ErrSendBufferFull
	}
}

// Alive reports whether the connection is still open.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close signals the write pump to send a close frame and tear the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Session returns the session code and role the client registered with.
func (c *Client) Session() (code, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.role
}

func (c *Client) bind(code, role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != "" {
		return false
	}
	c.code = code
	c.role = role
	return true
}

func (c *Client) setSubscription(sub *subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

func (c *Client) takeSubscription() *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.sub
	c.sub = nil
	return sub
}

func (c *Client) readPump() {
	defer func() {
		c.server.disconnect(c)
		_ = c.conn.Close()
	}()

	cfg := c.server.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			c.logger.Debug("dropping malformed message", zap.String("client_id", c.id), zap.Error(err))
			metrics.MessagesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()
		c.server.dispatch(c, msg)
	}
}

func (c *Client) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
