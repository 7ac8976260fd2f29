package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"voicerelay/internal/config"

	"github.com/rs/zerolog"
)

// ErrNoSpeech is returned when the transcriber produced no words.
var ErrNoSpeech = errors.New("transcribe: no speech detected")

// Service turns an uploaded audio blob into text. The upload is written to a
// temp file, normalized with ffmpeg to 16 kHz mono WAV, and handed to the
// configured transcriber command, which prints the transcript on stdout.
type Service struct {
	cfg config.TranscribeConfig
	log zerolog.Logger
}

func NewService(cfg config.TranscribeConfig, log zerolog.Logger) (*Service, error) {
	if cfg.Command == "" {
		return nil, errors.New("transcribe: command required")
	}
	return &Service{cfg: cfg, log: log}, nil
}

// Transcribe processes one upload. reqID is the caller's correlation id and
// only appears in logs.
func (s *Service) Transcribe(ctx context.Context, reqID string, audio io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	dir, err := os.MkdirTemp("", "voicerelay-stt-*")
	if err != nil {
		return "", fmt.Errorf("transcribe: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	rawPath := filepath.Join(dir, "input.webm")
	raw, err := os.Create(rawPath)
	if err != nil {
		return "", fmt.Errorf("transcribe: create temp file: %w", err)
	}
	if _, err := io.Copy(raw, audio); err != nil {
		raw.Close()
		return "", fmt.Errorf("transcribe: buffer upload: %w", err)
	}
	raw.Close()

	wavPath := filepath.Join(dir, "input.wav")
	convert := exec.CommandContext(ctx, s.cfg.FFmpegPath,
		"-y", "-i", rawPath, "-ar", "16000", "-ac", "1", wavPath)
	if out, err := convert.CombinedOutput(); err != nil {
		s.log.Warn().Err(err).Str("req_id", reqID).
			Str("output", tail(string(out), 200)).
			Msg("audio conversion failed")
		return "", fmt.Errorf("transcribe: convert audio: %w", err)
	}

	args := make([]string, 0, len(s.cfg.Args))
	for _, arg := range s.cfg.Args {
		args = append(args, strings.ReplaceAll(arg, "{input}", wavPath))
	}
	start := time.Now()
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("transcribe: transcriber failed: %w", err)
	}

	transcript := strings.TrimSpace(string(out))
	s.log.Info().Str("req_id", reqID).
		Dur("took", time.Since(start)).
		Int("chars", len(transcript)).
		Msg("transcription complete")
	if transcript == "" {
		return "", ErrNoSpeech
	}
	return transcript, nil
}

// tail keeps the last n bytes of s for log output, cutting on a rune
// boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
