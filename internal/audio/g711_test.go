package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUlawRoundTrip(t *testing.T) {
	for i := range 256 {
		b := byte(i)
		got := encodeUlawSample(decodeUlawSample(b))
		if b == 0x7F {
			assert.Equal(t, byte(0xFF), got, "negative zero folds to positive zero")
			continue
		}
		assert.Equalf(t, b, got, "code 0x%02X", b)
	}
}

func TestAlawRoundTrip(t *testing.T) {
	for i := range 256 {
		b := byte(i)
		assert.Equalf(t, b, encodeAlawSample(decodeAlawSample(b)), "code 0x%02X", b)
	}
}

func TestG711EncodeExtremes(t *testing.T) {
	assert.Equal(t, byte(0xFF), encodeUlawSample(0))
	assert.Equal(t, byte(0x80), encodeUlawSample(32767))
	assert.Equal(t, byte(0x00), encodeUlawSample(-32768))

	assert.Equal(t, byte(0xD5), encodeAlawSample(0))
	assert.Equal(t, byte(0xAA), encodeAlawSample(32767))
	assert.Equal(t, byte(0x2A), encodeAlawSample(-32768))
}

func TestEncodeSamplesWireBytes(t *testing.T) {
	wire := []byte{0x00, 0x10, 0x7E, 0x80, 0xA5, 0xFF}
	pcm, err := DecodeSamples(wire, CodecG711Ulaw)
	require.NoError(t, err)
	out, err := EncodeSamples(pcm, CodecG711Ulaw)
	require.NoError(t, err)
	assert.Equal(t, wire, out)
}
