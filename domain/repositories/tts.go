package repositories

import "context"

// SpeechSynthesizer converts final response text into streamed audio.
// Cancelling the context stops the stream; the returned channel is closed
// when synthesis finishes or is interrupted.
type SpeechSynthesizer interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error)
}
