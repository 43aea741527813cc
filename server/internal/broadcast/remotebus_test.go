package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl/shared/protocol"
)

func TestRemoteMessageRoundTripsThroughJSON(t *testing.T) {
	env := envelope(t, protocol.TypeAgentHeartbeat)
	m := remoteMessage{OriginID: "replica-a", Topic: "agents:agent-1", Envelope: env}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded remoteMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, m.OriginID, decoded.OriginID)
	require.Equal(t, m.Topic, decoded.Topic)
	require.Equal(t, m.Envelope.Type, decoded.Envelope.Type)
}

func TestShouldApplyRemoteMessageSuppressesOwnEcho(t *testing.T) {
	m := remoteMessage{OriginID: "replica-a", Topic: "agents:all"}
	require.False(t, shouldApplyRemoteMessage(m, "replica-a"))
	require.True(t, shouldApplyRemoteMessage(m, "replica-b"))
}
