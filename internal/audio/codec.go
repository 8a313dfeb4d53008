package audio

import (
	"fmt"
	"strings"
)

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// codec holds a codec's sample transforms and its fixed wire sample rate.
// A rate of 0 means "use the caller-supplied sampleRate" (e.g. PCM passthrough).
type codec struct {
	decode func([]byte) ([]int16, error)
	encode func([]int16) []byte
	rate   int
}

var codecs = map[Codec]codec{
	CodecPCM:      {decode: decodePCM16, encode: encodePCM16, rate: 0},
	CodecG711Ulaw: {decode: decodeG711Ulaw, encode: encodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {decode: decodeG711Alaw, encode: encodeG711Alaw, rate: 8000},
}

// ParseEncoding maps a telephony media-format name to a Codec.
func ParseEncoding(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "audio/x-mulaw", "audio/pcmu", "pcmu", "mulaw", "ulaw", "g711_ulaw":
		return CodecG711Ulaw, nil
	case "audio/x-alaw", "audio/pcma", "pcma", "alaw", "g711_alaw":
		return CodecG711Alaw, nil
	case "audio/x-l16", "audio/l16", "l16", "linear16", "pcm":
		return CodecPCM, nil
	}
	return "", fmt.Errorf("unsupported encoding: %q", name)
}

// DecodeSamples converts encoded bytes to 16-bit samples.
func DecodeSamples(data []byte, c Codec) ([]int16, error) {
	impl, ok := codecs[c]
	if !ok {
		return nil, fmt.Errorf("unsupported codec: %s", c)
	}
	return impl.decode(data)
}

// EncodeSamples converts 16-bit samples to the codec's wire bytes.
func EncodeSamples(samples []int16, c Codec) ([]byte, error) {
	impl, ok := codecs[c]
	if !ok {
		return nil, fmt.Errorf("unsupported codec: %s", c)
	}
	return impl.encode(samples), nil
}

// Decode converts encoded audio bytes to float32 PCM samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, c Codec, sampleRate int) ([]float32, int, error) {
	impl, ok := codecs[c]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", c)
	}
	rate := impl.rate
	if rate == 0 {
		rate = sampleRate
	}
	pcm, err := impl.decode(data)
	if err != nil {
		return nil, 0, err
	}
	return Int16ToFloat(pcm), rate, nil
}

// Encode converts float32 samples to the codec's wire bytes.
func Encode(samples []float32, c Codec) ([]byte, error) {
	return EncodeSamples(FloatToInt16(samples), c)
}
