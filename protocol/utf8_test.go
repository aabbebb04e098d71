package protocol

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestValidUTF8AcceptsConformantSequences(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("hello"),
		[]byte("héllo wörld"),
		[]byte("日本語"),
		{0xF0, 0x9F, 0x98, 0x80}, // U+1F600 (4-byte)
	}
	for _, c := range cases {
		assert.True(t, ValidUTF8(c), "%x", c)
		assert.Equal(t, utf8.Valid(c), ValidUTF8(c), "%x disagrees with unicode/utf8", c)
	}
}

func TestValidUTF8RejectsInvalidStandaloneBytes(t *testing.T) {
	assert.False(t, ValidUTF8([]byte{0xFF, 0xFE, 0xFD, 0xFC}))
}

func TestValidUTF8RejectsTruncatedSequence(t *testing.T) {
	assert.False(t, ValidUTF8([]byte{0xE2, 0x82})) // incomplete 3-byte sequence
}

func TestValidUTF8RejectsOverlongEncoding(t *testing.T) {
	// U+002F ('/') overlong-encoded as a 2-byte sequence.
	assert.False(t, ValidUTF8([]byte{0xC0, 0xAF}))
}

func TestValidUTF8RejectsSurrogateRange(t *testing.T) {
	// U+D800 encoded as a (structurally valid) 3-byte sequence.
	assert.False(t, ValidUTF8([]byte{0xED, 0xA0, 0x80}))
}
