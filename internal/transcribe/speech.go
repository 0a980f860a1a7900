// Package transcribe turns voicemail audio into text with the Google Cloud
// Speech-to-Text v1 REST API.
package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/option"
	speech "google.golang.org/api/speech/v1"

	"github.com/flowpbx/vmrouter/internal/voicemail"
)

// syncLimit is the longest audio the synchronous recognize call accepts.
const syncLimit = 55 * time.Second

var (
	// ErrUnsupportedEncoding is returned for WAV encodings the API cannot take.
	ErrUnsupportedEncoding = errors.New("unsupported audio encoding")

	// ErrOperationFailed is returned when a long-running job reports an error.
	ErrOperationFailed = errors.New("speech operation failed")
)

// Config holds recognizer settings.
type Config struct {
	// LanguageCode is a BCP-47 tag. Defaults to en-US.
	LanguageCode string

	// Model selects the recognition model. Defaults to phone_call.
	Model string

	// PollInterval is the wait between long-running status checks.
	PollInterval time.Duration
}

// Speech implements voicemail.Transcriber.
type Speech struct {
	speech     *speech.SpeechService
	operations *speech.OperationsService
	cfg        Config
	logger     *slog.Logger
}

// New creates a Speech transcriber. Credentials come from opts, or from
// application default credentials when opts is empty.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Speech, error) {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.Model == "" {
		cfg.Model = "phone_call"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	svc, err := speech.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating speech client: %w", err)
	}
	return &Speech{
		speech:     svc.Speech,
		operations: svc.Operations,
		cfg:        cfg,
		logger:     logger.With("subsystem", "transcribe"),
	}, nil
}

// Transcribe returns the transcript of a WAV recording. Silence yields "".
func (s *Speech) Transcribe(ctx context.Context, audio []byte) (string, error) {
	info, err := voicemail.ParseWAV(bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("reading wav header: %w", err)
	}
	rc, err := s.recognitionConfig(info)
	if err != nil {
		return "", err
	}
	content := &speech.RecognitionAudio{Content: base64.StdEncoding.EncodeToString(audio)}

	start := time.Now()
	var results []*speech.SpeechRecognitionResult
	if info.Duration() <= syncLimit {
		resp, err := s.speech.Recognize(&speech.RecognizeRequest{Config: rc, Audio: content}).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("recognize: %w", err)
		}
		results = resp.Results
	} else {
		results, err = s.longRunning(ctx, &speech.LongRunningRecognizeRequest{Config: rc, Audio: content})
		if err != nil {
			return "", err
		}
	}

	text := joinTranscript(results)
	s.logger.Debug("transcription complete",
		"audio_duration", info.Duration().String(),
		"elapsed", time.Since(start).String(),
		"chars", len(text),
	)
	return text, nil
}

func (s *Speech) recognitionConfig(info voicemail.WAVInfo) (*speech.RecognitionConfig, error) {
	rc := &speech.RecognitionConfig{
		LanguageCode:               s.cfg.LanguageCode,
		Model:                      s.cfg.Model,
		SampleRateHertz:            int64(info.SampleRate),
		AudioChannelCount:          int64(info.Channels),
		EnableAutomaticPunctuation: true,
	}
	switch {
	case info.Format == voicemail.FormatPCM && info.BitsPerSample == 16:
		rc.Encoding = "LINEAR16"
	case info.Format == voicemail.FormatULaw:
		rc.Encoding = "MULAW"
	default:
		return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedEncoding, info.Format, info.BitsPerSample)
	}
	return rc, nil
}

// longRunning submits a recognize job and polls it until done.
func (s *Speech) longRunning(ctx context.Context, req *speech.LongRunningRecognizeRequest) ([]*speech.SpeechRecognitionResult, error) {
	op, err := s.speech.Longrunningrecognize(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("long running recognize: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for operation %s: %w", op.Name, ctx.Err())
		case <-ticker.C:
		}
		op, err = s.operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("polling operation: %w", err)
		}
	}

	if op.Error != nil {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrOperationFailed, op.Error.Message, op.Error.Code)
	}
	var resp speech.LongRunningRecognizeResponse
	if len(op.Response) > 0 {
		if err := json.Unmarshal(op.Response, &resp); err != nil {
			return nil, fmt.Errorf("decoding operation response: %w", err)
		}
	}
	return resp.Results, nil
}

// joinTranscript concatenates the top alternative of each result.
func joinTranscript(results []*speech.SpeechRecognitionResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
