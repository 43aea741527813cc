// Package broadcast implements the Broadcaster (C9): a single-writer event
// loop hub that fans out envelopes to subscribed connections, generalizing
// the teacher's server/internal/websocket package (hub.go + client.go) from
// dashboard-only, flat-topic pub/sub to dual dashboard+agent connections
// with a per-client subscription-filter predicate and drop-oldest
// backpressure (spec.md's policy, replacing the teacher's
// disconnect-the-slow-client policy).
package broadcast

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/shared/protocol"
)

const (
	// writeWait bounds a single wire write.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize matches protocol.MaxEnvelopeBytes — a frame larger than
	// this is rejected by gorilla before it ever reaches our decoder.
	maxMessageSize = protocol.MaxEnvelopeBytes

	// sendBufferSize is the per-client outbound queue depth. Once full, the
	// oldest queued envelope is dropped to make room for the new one —
	// spec.md's drop-oldest backpressure policy.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade performs the HTTP -> WebSocket handshake. Call this once per
// incoming request before constructing a Client.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Filter decides whether an outbound envelope should be delivered to a
// given client — the subscription model for dashboards (topic match) and
// the identity model for agents (only envelopes addressed to them).
type Filter func(c *Client) bool

// Inbound is invoked by the client's readPump for every envelope received
// from the peer. Handlers are supplied by the ws package, which knows how
// to route COMMAND_ACK, HEARTBEAT, EMERGENCY_STOP, etc.
type Inbound func(c *Client, env *protocol.Envelope)

// Client represents one live WebSocket peer, either a dashboard or an
// agent. It implements registry.Conn so the same object the hub tracks is
// what the registry indexes.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	connID  string
	kind    registry.Kind
	agentID string
	userID  string

	// subscriptions is the set of topic strings a dashboard client wants to
	// receive; empty for agent clients (agents only receive envelopes
	// addressed to their own AgentID, handled by the dispatcher directly).
	subscriptions map[string]bool

	send chan *protocol.Envelope

	onInbound Inbound
	logger    *zap.Logger

	closeOnce chan struct{}
}

// NewClient wraps an already-upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, connID string, kind registry.Kind, agentID, userID string, onInbound Inbound, logger *zap.Logger) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		connID:        connID,
		kind:          kind,
		agentID:       agentID,
		userID:        userID,
		subscriptions: make(map[string]bool),
		send:          make(chan *protocol.Envelope, sendBufferSize),
		onInbound:     onInbound,
		logger:        logger.With(zap.String("connection_id", connID), zap.String("kind", string(kind))),
		closeOnce:     make(chan struct{}),
	}
}

func (c *Client) ConnectionID() string { return c.connID }
func (c *Client) Kind() registry.Kind  { return c.kind }
func (c *Client) AgentID() string      { return c.agentID }
func (c *Client) UserID() string       { return c.userID }

// Subscribe adds topic to this client's subscription set. Safe only to call
// before Run or from within the client's own inbound handler — subscription
// state is not otherwise synchronized, matching the teacher's
// initialize-once-then-read-only topics field.
func (c *Client) Subscribe(topic string) { c.subscriptions[topic] = true }

// Unsubscribe removes topic from the subscription set.
func (c *Client) Unsubscribe(topic string) { delete(c.subscriptions, topic) }

// MatchesTopic reports whether this client is subscribed to topic, or has
// the wildcard "all" subscription.
func (c *Client) MatchesTopic(topic string) bool {
	return c.subscriptions["all"] || c.subscriptions[topic]
}

// Enqueue places env on the client's send buffer, dropping the oldest
// queued envelope if the buffer is full. Safe to call from any goroutine.
func (c *Client) Enqueue(env *protocol.Envelope) {
	select {
	case c.send <- env:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	c.hub.recordDrop()
	select {
	case c.send <- env:
	default:
		c.logger.Warn("broadcast: dropped envelope, client queue saturated even after eviction", zap.String("type", string(env.Type)))
	}
}

// Close closes the underlying connection; readPump/writePump notice and
// unregister from the hub. reason is logged only.
func (c *Client) Close(reason string) {
	c.CloseWithCode(websocket.CloseNormalClosure, reason)
}

// CloseWithCode sends a close frame carrying code before closing the
// underlying connection, used for policy-violation (1008) and
// internal-error (1011) closes that must surface a specific code to the
// peer rather than the default normal closure.
func (c *Client) CloseWithCode(code int, reason string) {
	select {
	case <-c.closeOnce:
		return
	default:
		close(c.closeOnce)
	}
	c.logger.Info("broadcast: closing connection", zap.Int("code", code), zap.String("reason", reason))
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

// ReadHandshake reads exactly one envelope off the raw connection before the
// client is registered with the hub or its pumps are started — used by the
// ws package to enforce spec.md's "handshake message within 5s or close
// 1008" rule. Must be called before Run.
func (c *Client) ReadHandshake(deadline time.Time) (*protocol.Envelope, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("broadcast: set handshake deadline: %w", err)
	}
	c.conn.SetReadLimit(maxMessageSize)

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("broadcast: read handshake: %w", err)
	}
	env, err := protocol.Decode(raw, time.Now())
	if err != nil {
		return nil, fmt.Errorf("broadcast: decode handshake: %w", err)
	}
	return env, nil
}

// Run registers the client with the hub and pumps both directions. It
// blocks until the connection closes.
func (c *Client) Run() {
	c.hub.register <- c
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("broadcast: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("broadcast: unexpected close", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(raw, time.Now())
		if err != nil {
			c.logger.Warn("broadcast: dropping invalid envelope", zap.Error(err))
			continue
		}
		if c.onInbound != nil {
			c.onInbound(c, env)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("broadcast: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			wire, err := protocol.Encode(env, protocol.AlgorithmNone)
			if err != nil {
				c.logger.Error("broadcast: encode error", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, wire); err != nil {
				c.logger.Warn("broadcast: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("broadcast: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("broadcast: ping error", zap.Error(err))
				return
			}
		}
	}
}
