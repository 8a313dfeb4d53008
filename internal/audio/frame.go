package audio

import "time"

// InternalRate is the sample rate of every Frame flowing between the
// transport and a session.
const InternalRate = 16000

// Frame is a chunk of 16-bit little-endian mono PCM.
type Frame struct {
	Data       []byte
	SampleRate int
	Seq        uint64
	Timestamp  time.Duration
	// Epoch tags outbound frames with the generation that produced them.
	Epoch uint64
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate)
}

// Samples decodes the frame payload into normalized float samples.
func (f Frame) Samples() []float32 {
	return PCMToFloat(f.Data)
}

// PCMDuration returns the length of n bytes of 16-bit mono PCM at rate.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}

// Chunk splits 16-bit PCM into pieces of at most d playback time each.
func Chunk(pcm []byte, rate int, d time.Duration) [][]byte {
	size := int(d.Seconds()*float64(rate)) * 2
	if size <= 0 || len(pcm) <= size {
		if len(pcm) == 0 {
			return nil
		}
		return [][]byte{pcm}
	}
	chunks := make([][]byte, 0, len(pcm)/size+1)
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		chunks = append(chunks, pcm[:n])
		pcm = pcm[n:]
	}
	return chunks
}
