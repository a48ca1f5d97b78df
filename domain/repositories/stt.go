package repositories

import (
	"context"

	"github.com/pandega/wicara/domain/entities"
)

// SpeechRecognizer abstracts streaming speech recognition
type SpeechRecognizer interface {
	// StartStream opens a streaming recognition session for one caller turn.
	StartStream(ctx context.Context, config AudioConfig) (RecognitionStream, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// RecognitionStream is one live recognition session. Segments are delivered
// in ordinal order; the recognizer may re-emit an earlier ordinal with
// revised text before marking it final. The segment channel is closed after
// Close once the final segment has been delivered.
type RecognitionStream interface {
	// Write feeds raw audio into the recognizer.
	Write(data []byte) error
	// Segments returns the ordered stream of recognition updates. TurnID is
	// left zero; the transport stamps it before handing segments on.
	Segments() <-chan entities.Segment
	// Close signals end of audio and flushes any trailing final segment.
	Close() error
}
