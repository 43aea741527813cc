package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/shared/protocol"
)

// remoteSubject is the NATS subject every control-plane replica publishes
// topic-broadcast envelopes to and subscribes on, so a dashboard connected
// to replica B sees an envelope published from replica A.
const remoteSubject = "fleetctl.broadcast"

// remoteMessage is the wire shape carried over NATS — just enough to
// re-derive a local PublishTopic call on the receiving replica, plus an
// OriginID so a replica ignores its own echo.
type remoteMessage struct {
	OriginID string             `json:"originId"`
	Topic    string             `json:"topic"`
	Envelope *protocol.Envelope `json:"envelope"`
}

// RemoteBus fans Hub.PublishTopic calls out to every other control-plane
// replica over NATS, and republishes what it receives from them into this
// process's local Hub — the optional cross-instance fan-out transport
// DESIGN.md documents, for running more than one replica behind a shared
// load balancer. A Hub with no RemoteBus attached behaves exactly as a
// single-instance deployment always has.
type RemoteBus struct {
	conn     *nats.Conn
	originID string
	logger   *zap.Logger
}

// NewRemoteBus connects to the NATS server at url. Callers own the returned
// connection's lifecycle via Close.
func NewRemoteBus(url string, logger *zap.Logger) (*RemoteBus, error) {
	conn, err := nats.Connect(url, nats.Name("fleetctl-server"))
	if err != nil {
		return nil, fmt.Errorf("broadcast: connect to nats: %w", err)
	}
	return &RemoteBus{conn: conn, originID: uuid.NewString(), logger: logger.Named("remotebus")}, nil
}

// Attach subscribes the bus to remote publishes and wires them into hub's
// local client set, and registers the bus as hub's outbound fan-out target.
func (b *RemoteBus) Attach(hub *Hub) error {
	hub.remote = b
	_, err := b.conn.Subscribe(remoteSubject, func(msg *nats.Msg) {
		var m remoteMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			b.logger.Warn("broadcast: dropping malformed remote message", zap.Error(err))
			return
		}
		if !shouldApplyRemoteMessage(m, b.originID) {
			return // our own publish, looped back by the server
		}
		hub.publishLocalOnly(m.Topic, m.Envelope)
	})
	if err != nil {
		return fmt.Errorf("broadcast: subscribe: %w", err)
	}
	return nil
}

// shouldApplyRemoteMessage reports whether a message received off the NATS
// subject originated from a different replica than localOriginID — a
// replica's own publishes are echoed back by the server and must not be
// re-applied to its local Hub a second time.
func shouldApplyRemoteMessage(m remoteMessage, localOriginID string) bool {
	return m.OriginID != localOriginID
}

// publish forwards one topic broadcast to every other replica. Called by
// Hub.PublishTopic; never blocks on publish acknowledgement — NATS core
// publish is fire-and-forget, matching the at-most-once delivery the
// broadcaster already promises for its in-process fan-out.
func (b *RemoteBus) publish(topic string, env *protocol.Envelope) {
	data, err := json.Marshal(remoteMessage{OriginID: b.originID, Topic: topic, Envelope: env})
	if err != nil {
		b.logger.Warn("broadcast: failed to marshal remote message", zap.Error(err))
		return
	}
	if err := b.conn.Publish(remoteSubject, data); err != nil {
		b.logger.Warn("broadcast: failed to publish to nats", zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection.
func (b *RemoteBus) Close() {
	b.conn.Close()
}
