package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voicerelay/internal/client"
	"voicerelay/internal/models"

	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"
)

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8090", "relay server base URL")
	mode := flag.String("mode", "accumulate", "utterance mode: immediate or accumulate")
	pollInterval := flag.Duration("poll", 400*time.Millisecond, "poll interval")
	watchdog := flag.Duration("watchdog", 60*time.Second, "playback watchdog timeout")
	historyLimit := flag.Int("history", 20, "history entries to seed at startup")
	ffplayPath := flag.String("ffplay", "ffplay", "path to ffplay")
	noAudio := flag.Bool("no-audio", false, "print replies without playing audio")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	bufMode := client.ModeAccumulate
	switch *mode {
	case "accumulate":
	case "immediate":
		bufMode = client.ModeImmediate
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := client.NewServerClient(*serverURL)

	// Seed from history and pick up the cursor behind the newest entry.
	var cursor int64
	seed, err := sc.History(ctx, *historyLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("fetch history failed")
	}
	for _, m := range seed {
		printEntry(m)
		if m.ID > cursor {
			cursor = m.ID
		}
	}

	var player client.Player = &ffplayPlayer{fetch: sc, path: *ffplayPath}
	if *noAudio {
		player = silentPlayer{}
	}
	queue := client.NewPlaybackQueue(player, func(id int64) {
		if err := sc.Delivered(ctx, id); err != nil {
			log.Warn().Err(err).Int64("id", id).Msg("ack failed")
		}
	}, *watchdog, log)
	go queue.Run(ctx)

	handle := func(m models.Message) {
		printEntry(m)
		if m.Direction != models.DirectionAgent {
			return
		}
		if m.Speakable() {
			queue.Enqueue(m.ID, m.AssetRef)
			return
		}
		// Text-only reply: nothing to play, ack on display.
		if err := sc.Delivered(ctx, m.ID); err != nil {
			log.Warn().Err(err).Int64("id", m.ID).Msg("ack failed")
		}
	}
	poller := client.NewPoller(sc, cursor, *pollInterval, handle, log)
	go poller.Run(ctx)

	buffer := client.NewUtteranceBuffer(bufMode, func(utterance string) {
		id, err := sc.Speak(ctx, utterance)
		if err != nil {
			log.Error().Err(err).Msg("send failed")
			return
		}
		fmt.Printf(">> sent #%d: %s\n", id, utterance)
	})

	fmt.Printf("connected to %s (%s mode; say %q to send, /flush to force, /cancel to discard)\n",
		*serverURL, *mode, "over")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "":
			case "/flush":
				buffer.Flush()
			case "/cancel":
				buffer.Cancel()
			case "/quit":
				return
			default:
				if bufMode == client.ModeAccumulate && !buffer.Accumulating() {
					buffer.Start()
				}
				buffer.Push(line)
			}
		}
	}
}

func printEntry(m models.Message) {
	tag := "you"
	if m.Direction == models.DirectionAgent {
		tag = "agent"
	}
	fmt.Printf("[#%d %s] %s\n", m.ID, tag, m.Text)
}

// silentPlayer satisfies the queue when audio output is disabled.
type silentPlayer struct{}

func (silentPlayer) Play(context.Context, string) error { return nil }

// ffplayPlayer fetches an asset, decodes it and pipes raw PCM into ffplay.
// One ffplay process per asset; it exits when stdin drains, which is how the
// queue knows playback finished.
type ffplayPlayer struct {
	fetch *client.ServerClient
	path  string
}

func (p *ffplayPlayer) Play(ctx context.Context, assetRef string) error {
	body, err := p.fetch.FetchAudio(ctx, assetRef)
	if err != nil {
		return err
	}
	defer body.Close()

	dec, err := mp3.NewDecoder(body)
	if err != nil {
		return fmt.Errorf("decode %s: %w", assetRef, err)
	}

	// go-mp3 always emits 16-bit stereo PCM.
	cmd := exec.CommandContext(ctx, p.path,
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-autoexit",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "stereo",
		"-ar", fmt.Sprintf("%d", dec.SampleRate()),
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return err
	}

	_, copyErr := io.Copy(stdin, dec)
	stdin.Close()
	waitErr := cmd.Wait()
	if copyErr != nil {
		return fmt.Errorf("stream %s: %w", assetRef, copyErr)
	}
	return waitErr
}
