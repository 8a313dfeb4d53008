package audio

import "math/bits"

var ulawTable [256]int16
var alawTable [256]int16

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func init() {
	for i := range 256 {
		ulawTable[i] = decodeUlawSample(byte(i))
		alawTable[i] = decodeAlawSample(byte(i))
	}
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + ulawBias) << exponent
	sample -= ulawBias
	return sign * sample
}

func decodeAlawSample(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	if exponent == 0 {
		return sign * (mantissa<<4 + 8)
	}
	return sign * ((mantissa<<4 + 0x108) << (exponent - 1))
}

// encodeUlawSample is the inverse of decodeUlawSample for every code except
// 0x7F (negative zero), which re-encodes as 0xFF.
func encodeUlawSample(s int16) byte {
	var sign byte
	mag := int32(s)
	if mag < 0 {
		sign = 0x80
		mag = -mag
	}
	mag = min(mag, ulawClip) + ulawBias
	exponent := max(bits.Len32(uint32(mag))-8, 0)
	exponent = min(exponent, 7)
	mantissa := byte(mag>>(exponent+3)) & 0x0F
	return ^(sign | byte(exponent)<<4 | mantissa)
}

func encodeAlawSample(s int16) byte {
	sign := byte(0x80)
	mag := int32(s)
	if mag < 0 {
		sign = 0
		mag = -mag
	}
	if mag < 256 {
		return (sign | byte(mag>>4)) ^ 0x55
	}
	exponent := bits.Len32(uint32(mag)) - 8
	if exponent > 7 {
		return (sign | 0x7F) ^ 0x55
	}
	mantissa := byte(mag>>(exponent+3)) & 0x0F
	return (sign | byte(exponent)<<4 | mantissa) ^ 0x55
}

func decodeG711Ulaw(data []byte) ([]int16, error) {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = ulawTable[b]
	}
	return samples, nil
}

func decodeG711Alaw(data []byte) ([]int16, error) {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = alawTable[b]
	}
	return samples, nil
}

func encodeG711Ulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeUlawSample(s)
	}
	return out
}

func encodeG711Alaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeAlawSample(s)
	}
	return out
}
