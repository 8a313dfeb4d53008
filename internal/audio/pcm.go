package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrOddLength is returned when a 16-bit PCM payload has a dangling byte.
var ErrOddLength = errors.New("pcm16 payload has odd length")

func decodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddLength
	}
	return BytesToInt16(data), nil
}

func encodePCM16(samples []int16) []byte {
	return Int16ToBytes(samples)
}

// BytesToInt16 reads little-endian 16-bit samples. A trailing odd byte is ignored.
func BytesToInt16(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToBytes writes samples as little-endian 16-bit PCM.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		out[i] = int16(math.Round(float64(clamped) * math.MaxInt16))
	}
	return out
}

// PCMToFloat decodes little-endian 16-bit PCM into normalized samples.
func PCMToFloat(data []byte) []float32 {
	return Int16ToFloat(BytesToInt16(data))
}

// FloatToPCM encodes normalized samples as little-endian 16-bit PCM.
func FloatToPCM(samples []float32) []byte {
	return Int16ToBytes(FloatToInt16(samples))
}

// ConvertPCM resamples little-endian 16-bit PCM between rates.
func ConvertPCM(data []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(data) < 2 {
		return data
	}
	return FloatToPCM(Resample(PCMToFloat(data), srcRate, dstRate))
}
