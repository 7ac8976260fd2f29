package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"voicerelay/internal/config"

	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"
)

// ErrSynthesisFailed marks any failure to produce an asset: subprocess
// error, timeout, or a missing/empty output file. The caller keeps the
// text-only reply either way.
var ErrSynthesisFailed = errors.New("synth: synthesis failed")

// Service shells out to an external text-to-speech command. Each entry gets
// its own asset file named after the entry id, so a retried or duplicated
// synthesis can never clobber another entry's audio.
type Service struct {
	cfg      config.SynthesisConfig
	audioDir string
	log      zerolog.Logger
}

func NewService(cfg config.SynthesisConfig, audioDir string, log zerolog.Logger) (*Service, error) {
	if cfg.Command == "" {
		return nil, errors.New("synth: command required")
	}
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("synth: create audio dir: %w", err)
	}
	return &Service{cfg: cfg, audioDir: audioDir, log: log}, nil
}

// AssetName returns the asset filename for an entry id.
func AssetName(entryID int64) string {
	return fmt.Sprintf("agent_%d.mp3", entryID)
}

// Synthesize runs the configured command for the given entry text and returns
// the asset reference (the bare filename, resolvable under the audio dir).
func (s *Service) Synthesize(ctx context.Context, entryID int64, text string) (string, error) {
	name := AssetName(entryID)
	outPath := filepath.Join(s.audioDir, name)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	args := make([]string, 0, len(s.cfg.Args))
	for _, arg := range s.cfg.Args {
		arg = strings.ReplaceAll(arg, "{text}", text)
		arg = strings.ReplaceAll(arg, "{voice}", s.cfg.Voice)
		arg = strings.ReplaceAll(arg, "{output}", outPath)
		args = append(args, arg)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		s.log.Warn().Err(err).Int64("entry_id", entryID).
			Str("output", truncate(string(out), 200)).
			Msg("synthesis command failed")
		return "", fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outPath)
		return "", fmt.Errorf("%w: no output produced", ErrSynthesisFailed)
	}

	evt := s.log.Info().Int64("entry_id", entryID).
		Dur("took", time.Since(start)).
		Int64("bytes", info.Size())
	if d, err := probeDuration(outPath); err != nil {
		s.log.Warn().Err(err).Int64("entry_id", entryID).Msg("asset duration probe failed")
	} else {
		evt = evt.Dur("audio", d)
	}
	evt.Msg("synthesized asset")

	return name, nil
}

// probeDuration decodes the MP3 header to compute playback length. A probe
// failure does not fail the turn; the asset may still be playable.
func probeDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, err
	}
	// Length is in bytes of 16-bit stereo PCM: 4 bytes per sample frame.
	seconds := float64(dec.Length()) / float64(4*dec.SampleRate())
	return time.Duration(seconds * float64(time.Second)), nil
}

// truncate shortens s for log output, cutting on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
