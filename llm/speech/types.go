// Package speech provides live speech-to-text streaming.
package speech

import (
	"context"
	"time"
)

// TranscriptEvent is one speech-to-text event from the live stream.
// EndOfTurn marks a provider-determined utterance boundary; Text then
// carries the full turn transcript.
type TranscriptEvent struct {
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	EndOfTurn  bool      `json:"end_of_turn"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// LiveStream is one open transcription stream: audio in, transcript
// events out. Events is closed when the upstream connection ends.
type LiveStream interface {
	Send(ctx context.Context, audio []byte) error
	Events() <-chan TranscriptEvent
	Close() error
}

// StreamOptions configure one live stream.
type StreamOptions struct {
	MimeType   string
	Language   string
	SampleRate int
}

// LiveProvider opens live transcription streams.
type LiveProvider interface {
	Connect(ctx context.Context, opts StreamOptions) (LiveStream, error)
	Name() string
}
