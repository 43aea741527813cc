package broadcast

import (
	"context"
	"sync"

	"github.com/fleetctl/fleetctl/server/internal/registry"
	"github.com/fleetctl/fleetctl/shared/protocol"
)

// Hub is the central single-writer event loop broadcasting envelopes to
// subscribed clients. Mutations to the client set are serialized through
// the Run goroutine via channels, exactly as the teacher's
// websocket.Hub — Publish is the one exception, holding a read-lock only
// long enough to copy the target set before sending outside the lock.
type Hub struct {
	reg *registry.Registry

	clients map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	dropped uint64
	droppedMu sync.Mutex

	// remote is set by RemoteBus.Attach when the process is configured for
	// multi-replica fan-out. Nil in the default single-instance deployment.
	remote *RemoteBus
}

// NewHub creates an idle Hub bound to reg — every registered/unregistered
// client is mirrored into the connection registry so C3 and C9 never drift
// apart.
func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		reg:        reg,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
	}
}

// Run starts the hub's event loop. Call it exactly once, in its own
// goroutine; it exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.reg.Register(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.reg.Deregister(c)

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				h.reg.Deregister(c)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish fans env out to every connected client for which match returns
// true. Safe to call from any goroutine. A client whose queue is full gets
// the envelope enqueued with drop-oldest semantics (see Client.Enqueue) —
// unlike the teacher's hub, a slow client is never disconnected for this
// alone.
func (h *Hub) Publish(match Filter, env *protocol.Envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(env)
	}
}

// PublishTopic is a convenience wrapper over Publish for dashboard topic
// subscriptions. When a RemoteBus is attached, the envelope is also
// forwarded to every other control-plane replica so a dashboard connected
// elsewhere still sees it.
func (h *Hub) PublishTopic(topic string, env *protocol.Envelope) {
	h.publishLocalOnly(topic, env)
	if h.remote != nil {
		h.remote.publish(topic, env)
	}
}

// publishLocalOnly delivers to this process's own dashboard clients only,
// without re-forwarding to the RemoteBus — used both by PublishTopic and by
// RemoteBus's inbound subscription handler, which would otherwise echo a
// remote-origin envelope back out to every replica forever.
func (h *Hub) publishLocalOnly(topic string, env *protocol.Envelope) {
	h.Publish(func(c *Client) bool {
		return c.Kind() == registry.KindDashboard && c.MatchesTopic(topic)
	}, env)
}

// SendToAgent delivers env to the single connected client for agentID, if
// any. Returns false if the agent is not currently connected.
func (h *Hub) SendToAgent(agentID string, env *protocol.Envelope) bool {
	conn, ok := h.reg.ByAgentID(agentID)
	if !ok {
		return false
	}
	c, ok := conn.(*Client)
	if !ok {
		return false
	}
	c.Enqueue(env)
	return true
}

// ConnectedCount returns the current number of connected clients, for
// metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// recordDrop increments the dropped-envelope counter, surfaced via
// DroppedCount for the broadcast:dropped observability metric.
func (h *Hub) recordDrop() {
	h.droppedMu.Lock()
	h.dropped++
	h.droppedMu.Unlock()
}

// DroppedCount returns the cumulative number of envelopes evicted under
// backpressure since process start.
func (h *Hub) DroppedCount() uint64 {
	h.droppedMu.Lock()
	defer h.droppedMu.Unlock()
	return h.dropped
}
