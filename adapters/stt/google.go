package stt

import (
	"context"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
	"github.com/pandega/wicara/domain/repositories"
)

// GoogleSpeechRecognizer implements SpeechRecognizer for Google Cloud
type GoogleSpeechRecognizer struct {
	logger *zap.Logger
}

// NewGoogleSpeechRecognizer creates a Google Cloud streaming recognizer
func NewGoogleSpeechRecognizer(logger *zap.Logger) *GoogleSpeechRecognizer {
	return &GoogleSpeechRecognizer{logger: logger}
}

func (g *GoogleSpeechRecognizer) StartStream(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("unsupported audio encoding: %s", config.Encoding)
	}

	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:        encoding,
		SampleRateHertz: int32(config.SampleRate),
		LanguageCode:    config.Language,
	}

	// Interim results drive live transcript revisions; the transport decides
	// when the utterance ends, so SingleUtterance stays off.
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &googleRecognitionStream{
		client:   client,
		stream:   stream,
		logger:   g.logger,
		segments: make(chan entities.Segment, 16),
	}
	go s.receiveResults()

	return s, nil
}

type googleRecognitionStream struct {
	client   *speech.Client
	stream   speechpb.Speech_StreamingRecognizeClient
	logger   *zap.Logger
	segments chan entities.Segment
}

// Write sends one frame of caller audio to the recognizer.
func (s *googleRecognitionStream) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Segments is the stream of recognition segments. Ordinals are stable within
// the stream: interim results repeat an ordinal with revised text, a final
// result closes that ordinal. Turn ids are stamped by the caller.
func (s *googleRecognitionStream) Segments() <-chan entities.Segment {
	return s.segments
}

// Close ends the audio stream. The segment channel closes once the recognizer
// has delivered its remaining results.
func (s *googleRecognitionStream) Close() error {
	if err := s.stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send stream: %w", err)
	}
	return nil
}

func (s *googleRecognitionStream) receiveResults() {
	defer close(s.segments)
	defer s.client.Close()

	ordinal := 0
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.logger.Warn("Recognition stream ended with error", zap.Error(err))
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			text := result.Alternatives[0].Transcript

			s.segments <- entities.Segment{
				Ordinal: ordinal,
				Text:    text,
				IsFinal: result.IsFinal,
			}
			if result.IsFinal {
				ordinal++
			}
		}
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
