// Package wsclient is the agent-side counterpart of the server's
// broadcast.Client: it dials /ws/agent, speaks the AGENT_CONNECT
// handshake, and runs the same single-writer read/write pump split the
// server uses, generalized to a client-initiated gorilla/websocket.Dialer
// connection instead of an http.Upgrade-accepted one. Each Connect call is
// one connection attempt; reconnect.Engine owns retrying it.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/agent/internal/metrics"
	"github.com/fleetctl/fleetctl/agent/internal/supervisor"
	"github.com/fleetctl/fleetctl/shared/protocol"
	"github.com/fleetctl/fleetctl/shared/types"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	heartbeatInterval = 30 * time.Second
	handshakeTimeout  = 5 * time.Second
	sendBufferSize    = 64
)

// TokenSource supplies the bearer token to present on connect, and a way to
// force a refresh when the server rejects it. Implemented by the
// credential-store-backed auth wiring in cmd/agent.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// TokenUpdater is implemented by a TokenSource that can also accept a
// server-pushed token in-band (TOKEN_REFRESH) instead of only pulling one
// via Refresh. authsession.Session implements it; checked with a type
// assertion since not every TokenSource needs to support in-band rotation.
type TokenUpdater interface {
	UpdateAccessToken(ctx context.Context, token string) error
}

// Config parameterizes one Client.
type Config struct {
	ServerURL    string // e.g. "ws://localhost:8080/ws/agent"
	AgentID      string
	Version      string
	Capabilities []string
	Tokens       TokenSource
	Supervisor   *supervisor.Supervisor
}

// Client holds one live agent WebSocket session.
type Client struct {
	cfg    Config
	logger *zap.Logger

	conn *websocket.Conn
	send chan *protocol.Envelope
}

// New creates a Client bound to cfg. Call Connect to perform one connection
// attempt — intended to be passed as a reconnect.Dialer.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, logger: logger.Named("wsclient")}
}

// Connect performs one full session: dial, handshake, then run the pumps
// until the connection drops or ctx is cancelled. Matches
// reconnect.Dialer's contract — nil return means ctx was cancelled, a
// non-nil error means the session failed and should be retried with
// backoff.
func (c *Client) Connect(ctx context.Context) error {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("wsclient: get token: %w", err)
	}

	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("wsclient: parse server url: %w", err)
	}
	q := u.Query()
	q.Set("agentId", c.cfg.AgentID)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if refreshErr := c.cfg.Tokens.Refresh(ctx); refreshErr != nil {
				c.logger.Warn("wsclient: token refresh failed", zap.Error(refreshErr))
			}
		}
		return fmt.Errorf("wsclient: dial: %w", err)
	}

	c.conn = conn
	c.send = make(chan *protocol.Envelope, sendBufferSize)

	if err := c.handshake(); err != nil {
		conn.Close()
		return fmt.Errorf("wsclient: handshake: %w", err)
	}

	c.logger.Info("wsclient: connected", zap.String("agent_id", c.cfg.AgentID))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.writePump(sessionCtx) }()
	go func() { errCh <- c.readPump(sessionCtx) }()

	err = <-errCh
	cancel()
	conn.Close()
	<-errCh // wait for the other pump to notice the closed conn and exit

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) handshake() error {
	payload := protocol.AgentConnectPayload{
		AgentID:      c.cfg.AgentID,
		Version:      c.cfg.Version,
		Capabilities: c.cfg.Capabilities,
	}
	env, err := protocol.NewEnvelope(protocol.TypeAgentConnect, payload)
	if err != nil {
		return err
	}
	wire, err := protocol.Encode(env, protocol.AlgorithmNone)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, wire); err != nil {
		return fmt.Errorf("send AGENT_CONNECT: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	c.conn.SetReadLimit(protocol.MaxEnvelopeBytes)
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	ackEnv, err := protocol.Decode(raw, time.Now())
	if err != nil {
		return fmt.Errorf("decode handshake reply: %w", err)
	}
	if ackEnv.Type != protocol.TypeConnectAck {
		return fmt.Errorf("expected CONNECT_ACK, got %s", ackEnv.Type)
	}
	return nil
}

// enqueue places env on the send buffer, dropping the oldest queued
// envelope on overflow — the same drop-oldest policy as the server's
// broadcast.Client.Enqueue, so a stalled write never blocks heartbeats or
// command acks behind a backlog of terminal output.
func (c *Client) enqueue(env *protocol.Envelope) {
	select {
	case c.send <- env:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- env:
	default:
	}
}

// SendOutput implements supervisor.OutputSink.
func (c *Client) SendOutput(commandID, stream string, sequence int64, chunk string) {
	env, err := protocol.NewEnvelope(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
		CommandID: commandID,
		Stream:    stream,
		Sequence:  sequence,
		Chunk:     chunk,
	})
	if err != nil {
		return
	}
	c.enqueue(env)
}

// ReportAck implements supervisor.StatusReporter.
func (c *Client) ReportAck(commandID string) {
	env, err := protocol.NewEnvelope(protocol.TypeCommandAck, protocol.CommandAckPayload{CommandID: commandID})
	if err != nil {
		return
	}
	c.enqueue(env)
}

// ReportComplete implements supervisor.StatusReporter.
func (c *Client) ReportComplete(commandID, status, errMsg string) {
	env, err := protocol.NewEnvelope(protocol.TypeCommandComplete, protocol.CommandCompletePayload{
		CommandID: commandID,
		Status:    status,
		Error:     errMsg,
	})
	if err != nil {
		return
	}
	c.enqueue(env)
}

func (c *Client) readPump(ctx context.Context) error {
	c.conn.SetReadLimit(protocol.MaxEnvelopeBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(raw, time.Now())
		if err != nil {
			c.logger.Warn("wsclient: dropping invalid envelope", zap.Error(err))
			continue
		}
		c.onInbound(env)
	}
}

func (c *Client) onInbound(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeServerHeartbeat:
		// No action needed — receipt alone confirms the session is alive.

	case protocol.TypeTokenRefresh:
		var p protocol.TokenRefreshPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		if updater, ok := c.cfg.Tokens.(TokenUpdater); ok {
			if err := updater.UpdateAccessToken(context.Background(), p.AccessToken); err != nil {
				c.logger.Warn("wsclient: failed to persist rotated token", zap.Error(err))
			}
		}

	case protocol.TypeCommandRequest:
		var p protocol.CommandRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		err := c.cfg.Supervisor.Enqueue(supervisor.Assignment{
			CommandID:   p.CommandID,
			Type:        types.CommandType(p.Type),
			Content:     p.Content,
			TimeLimitMs: p.TimeLimitMs,
		})
		if err != nil {
			c.ReportComplete(p.CommandID, "failed", err.Error())
		}

	case protocol.TypeCommandCancel:
		var p protocol.CommandCancelPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		c.cfg.Supervisor.Cancel(p.CommandID)

	case protocol.TypeEmergencyStop:
		var p protocol.EmergencyStopPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		c.logger.Warn("wsclient: emergency stop received", zap.String("reason", p.Reason))
		c.cfg.Supervisor.CancelCurrent()

	default:
		c.logger.Debug("wsclient: unhandled envelope type", zap.String("type", string(env.Type)))
	}
}

func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case env := <-c.send:
			if err := c.writeEnvelope(env); err != nil {
				return err
			}

		case <-heartbeat.C:
			env, err := protocol.NewEnvelope(protocol.TypeAgentHeartbeat, protocol.AgentHeartbeatPayload{
				AgentID: c.cfg.AgentID,
				Metrics: metrics.Collect(),
			})
			if err == nil {
				if err := c.writeEnvelope(env); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) writeEnvelope(env *protocol.Envelope) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	wire, err := protocol.Encode(env, protocol.AlgorithmNone)
	if err != nil {
		c.logger.Error("wsclient: encode error", zap.Error(err))
		return nil
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, wire); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
