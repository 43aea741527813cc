package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripUncompressed(t *testing.T) {
	env, err := NewEnvelope(TypeAgentHeartbeat, AgentHeartbeatPayload{})
	require.NoError(t, err)

	wire, err := Encode(env, AlgorithmNone)
	require.NoError(t, err)

	decoded, err := Decode(wire, time.Now())
	require.NoError(t, err)
	require.Equal(t, env.ID, decoded.ID)
	require.Equal(t, TypeAgentHeartbeat, decoded.Type)
}

func TestEncodeDecodeRoundTripCompressed(t *testing.T) {
	for _, algo := range []Algorithm{AlgorithmGzip, AlgorithmDeflate, AlgorithmBrotli} {
		t.Run(string(algo), func(t *testing.T) {
			payload := TerminalOutputPayload{
				CommandID: "cmd-1",
				Stream:    "stdout",
				Chunk:     strings.Repeat("hello world ", 100),
			}
			env, err := NewEnvelope(TypeTerminalOutput, payload)
			require.NoError(t, err)

			wire, err := Encode(env, algo)
			require.NoError(t, err)

			decoded, err := Decode(wire, time.Now())
			require.NoError(t, err)
			require.Equal(t, "", string(decoded.Compression))

			var got TerminalOutputPayload
			require.NoError(t, decoded.DecodePayload(&got))
			require.Equal(t, payload, got)
		})
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	oversized := make([]byte, MaxEnvelopeBytes+1)
	_, err := Decode(oversized, time.Now())
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"), time.Now())
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecodeRejectsClockSkew(t *testing.T) {
	env, err := NewEnvelope(TypeAgentHeartbeat, AgentHeartbeatPayload{})
	require.NoError(t, err)
	env.Timestamp = time.Now().Add(-1 * time.Hour)

	wire, err := Encode(env, AlgorithmNone)
	require.NoError(t, err)

	_, err = Decode(wire, time.Now())
	require.ErrorIs(t, err, ErrClockSkew)
}
