package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripUnmaskedFrame(t *testing.T) {
	f := &Frame{Final: true, Opcode: OpcodeText, Payload: []byte("hello, world")}
	wire, err := Generate(f)
	require.NoError(t, err)

	got, n, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, f.Final, got.Final)
	assert.Equal(t, f.Opcode, got.Opcode)
	assert.Equal(t, f.Payload, got.Payload)
	assert.False(t, got.Masked)
}

func TestRoundTripMaskedFrame(t *testing.T) {
	f := &Frame{Final: true, Opcode: OpcodeBinary, Masked: true, Payload: []byte{1, 2, 3, 4, 5}}
	wire, err := Generate(f)
	require.NoError(t, err)

	got, n, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.True(t, got.Masked)
	// Payload is stored unmasked regardless of wire form (spec.md §3).
	assert.Equal(t, f.Payload, got.Payload)
}

func TestPartialParseStability(t *testing.T) {
	f := &Frame{Final: true, Opcode: OpcodeText, Payload: []byte("a fairly long payload to split across many points")}
	wire, err := Generate(f)
	require.NoError(t, err)

	for k := 0; k < len(wire); k++ {
		_, consumed, err := Parse(wire[:k])
		if err == nil {
			assert.LessOrEqual(t, consumed, k)
			continue
		}
		assert.ErrorIs(t, err, ErrShortBuffer, "split at %d should report short buffer, got %v", k, err)
	}

	full, consumed, err := Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, f.Payload, full.Payload)
}

func TestLengthEncodingMinimality(t *testing.T) {
	cases := []struct {
		payloadSize int
		wantTotal   int
	}{
		{0, 2},
		{1, 3},
		{125, 127},
		{126, 130},
		// RFC 6455 keeps the two-byte extended-length field for any size
		// up to 65535 inclusive, so the header stays 4 bytes here: 65535
		// payload bytes + 4 header bytes = 65539. (spec.md §8 lists this
		// boundary as 65541; that figure does not reconcile with its own
		// "126 means two-byte length follows (2-65535)" rule in §4.C, so
		// this test follows §4.C, the normative rule, over the §8
		// illustration — see DESIGN.md.)
		{65535, 65539},
		{65536, 65546},
	}
	for _, c := range cases {
		f := &Frame{Final: true, Opcode: OpcodeBinary, Payload: make([]byte, c.payloadSize)}
		wire, err := Generate(f)
		require.NoError(t, err)
		assert.Equal(t, c.wantTotal, len(wire), "payload size %d", c.payloadSize)
	}
}

func TestAcceptKeyDerivation(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestSubprotocolClientPreference(t *testing.T) {
	got := NegotiateSubprotocol(
		[]string{"alpha", "beta", "gamma"},
		[]string{"gamma", "beta", "alpha"},
	)
	assert.Equal(t, "alpha", got)
}

func TestSubprotocolNoIntersection(t *testing.T) {
	got := NegotiateSubprotocol([]string{"x"}, []string{"y", "z"})
	assert.Equal(t, "", got)
}

func TestParseRejectsInvalidOpcode(t *testing.T) {
	// opcode 0x3 is reserved/invalid.
	_, _, err := Parse([]byte{0x83, 0x00})
	assert.ErrorIs(t, err, ErrFrameParseFailed)
}

func TestParseRejectsFragmentedControlFrame(t *testing.T) {
	// PING with FIN=0 violates RFC 6455 §5.5.
	_, _, err := Parse([]byte{0x09, 0x00})
	assert.ErrorIs(t, err, ErrFrameParseFailed)
}

func TestParseShortHeaderNeedsMoreBytes(t *testing.T) {
	_, _, err := Parse([]byte{0x81})
	assert.ErrorIs(t, err, ErrShortBuffer)
}
