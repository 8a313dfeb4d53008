package providers

import "context"

// TranscribeOptions configures one transcription stream.
type TranscribeOptions struct {
	Model      string
	Language   string
	SampleRate int
}

// Transcript is one recognition result.
type Transcript struct {
	Text  string
	Final bool
	// EndOfUtterance is set on the result that completes a Finalize: all
	// audio sent before Finalize has been transcribed.
	EndOfUtterance bool
	// Err is set when the utterance could not be transcribed.
	Err error
}

// TranscriptionStream accepts 16-bit mono PCM and yields transcripts.
type TranscriptionStream interface {
	Send(pcm []byte) error
	// Finalize asks the provider to flush results for audio sent so far.
	Finalize() error
	// Results is closed when the stream ends; Err then reports why.
	Results() <-chan Transcript
	Err() error
	Close() error
}

// TranscriptionProvider opens streaming transcription sessions.
type TranscriptionProvider interface {
	Name() string
	Open(ctx context.Context, opts TranscribeOptions) (TranscriptionStream, error)
}
