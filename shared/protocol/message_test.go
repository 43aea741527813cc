package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeRoundTrip(t *testing.T) {
	type ping struct {
		Nonce string `json:"nonce"`
	}
	env, err := NewEnvelope(TypeAgentHeartbeat, ping{Nonce: "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.Equal(t, TypeAgentHeartbeat, env.Type)

	var decoded ping
	require.NoError(t, env.DecodePayload(&decoded))
	require.Equal(t, "abc", decoded.Nonce)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	env := &Envelope{ID: "x", Type: "NOT_A_TYPE", Timestamp: time.Now()}
	err := env.Validate(time.Now())
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestValidateRejectsClockSkew(t *testing.T) {
	env := &Envelope{ID: "x", Type: TypeAgentHeartbeat, Timestamp: time.Now().Add(-time.Hour)}
	err := env.Validate(time.Now())
	require.ErrorIs(t, err, ErrClockSkew)
}

func TestDecodeRejectsOversizedRawFrame(t *testing.T) {
	raw := make([]byte, MaxEnvelopeBytes+1)
	_, err := Decode(raw, time.Now())
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{AlgorithmGzip, AlgorithmDeflate, AlgorithmBrotli} {
		data := []byte(`{"hello":"world"}`)
		compressed, err := Compress(algo, data)
		require.NoError(t, err)
		plain, err := Decompress(algo, compressed)
		require.NoError(t, err)
		require.Equal(t, data, plain)
	}
}

func TestEncodeDecodeWithCompression(t *testing.T) {
	env, err := NewEnvelope(TypeTerminalOutput, map[string]string{"line": "hello"})
	require.NoError(t, err)

	wire, err := Encode(env, AlgorithmGzip)
	require.NoError(t, err)

	decoded, err := Decode(wire, time.Now())
	require.NoError(t, err)
	require.Equal(t, env.Type, decoded.Type)

	var payload map[string]string
	require.NoError(t, decoded.DecodePayload(&payload))
	require.Equal(t, "hello", payload["line"])
}
