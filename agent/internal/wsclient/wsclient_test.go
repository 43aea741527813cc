package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/agent/internal/supervisor"
	"github.com/fleetctl/fleetctl/shared/protocol"
	"github.com/fleetctl/fleetctl/shared/types"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(context.Context) (string, error) { return s.token, nil }
func (s staticTokens) Refresh(context.Context) error         { return nil }

// fakeServer accepts exactly one AGENT_CONNECT handshake, acks it, then
// relays one COMMAND_REQUEST and asserts the corresponding COMMAND_ACK and
// COMMAND_COMPLETE come back (with the command's one TERMINAL_OUTPUT chunk
// between them). It then holds the connection open until the client leaves.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(raw, time.Now())
		require.NoError(t, err)
		require.Equal(t, protocol.TypeAgentConnect, env.Type)

		ack, err := protocol.NewEnvelope(protocol.TypeConnectAck, protocol.ConnectAckPayload{ConnectionID: "conn-1"})
		require.NoError(t, err)
		wire, err := protocol.Encode(ack, protocol.AlgorithmNone)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))

		reqEnv, err := protocol.NewEnvelope(protocol.TypeCommandRequest, protocol.CommandRequestPayload{
			CommandID: "cmd-1",
			Type:      string(types.CommandTypeShell),
			Content:   "echo hi",
		})
		require.NoError(t, err)
		wire, err = protocol.Encode(reqEnv, protocol.AlgorithmNone)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))

		sawAck, sawComplete := false, false
		for i := 0; i < 3; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(raw, time.Now())
			if err != nil {
				continue
			}
			switch env.Type {
			case protocol.TypeCommandAck:
				sawAck = true
			case protocol.TypeCommandComplete:
				sawComplete = true
			}
		}
		require.True(t, sawAck)
		require.True(t, sawComplete)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	return httptest.NewServer(mux)
}

func TestClientConnectHandshakeAndCommandRoundtrip(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	sup := supervisor.New(zap.NewNop())

	client := New(Config{
		ServerURL:    wsURL,
		AgentID:      "agent-1",
		Version:      "test",
		Capabilities: []string{"shell"},
		Tokens:       staticTokens{token: "tok"},
		Supervisor:   sup,
	}, zap.NewNop())

	// The supervisor's output/status callbacks are the client itself, so a
	// dispatched COMMAND_REQUEST round-trips through SendOutput/ReportAck/
	// ReportComplete back onto the wire.
	go sup.Run(ctx, client, client)

	err := client.Connect(ctx)
	require.True(t, err == nil || ctx.Err() != nil)
}
