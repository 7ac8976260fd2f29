package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Player plays one synthesized asset to completion.
type Player interface {
	Play(ctx context.Context, assetRef string) error
}

type playbackItem struct {
	entryID  int64
	assetRef string
}

const defaultWatchdog = 60 * time.Second

// PlaybackQueue plays assets strictly one at a time, in arrival order. Every
// item is acked exactly once, whether playback finished, failed, or tripped
// the watchdog; a stuck player never wedges the queue.
type PlaybackQueue struct {
	player   Player
	ack      func(entryID int64)
	watchdog time.Duration
	log      zerolog.Logger

	mu   sync.Mutex
	seen map[int64]bool

	items chan playbackItem
}

func NewPlaybackQueue(player Player, ack func(int64), watchdog time.Duration, log zerolog.Logger) *PlaybackQueue {
	if watchdog <= 0 {
		watchdog = defaultWatchdog
	}
	return &PlaybackQueue{
		player:   player,
		ack:      ack,
		watchdog: watchdog,
		log:      log,
		seen:     make(map[int64]bool),
		items:    make(chan playbackItem, 256),
	}
}

// Enqueue adds one entry's asset. Entries already enqueued once are ignored,
// so a poll overlap cannot double-play anything.
func (q *PlaybackQueue) Enqueue(entryID int64, assetRef string) {
	if assetRef == "" {
		return
	}
	q.mu.Lock()
	if q.seen[entryID] {
		q.mu.Unlock()
		return
	}
	q.seen[entryID] = true
	q.mu.Unlock()

	select {
	case q.items <- playbackItem{entryID: entryID, assetRef: assetRef}:
	default:
		q.log.Warn().Int64("entry_id", entryID).Msg("playback queue full, dropping item")
		q.ack(entryID)
	}
}

// Run plays queued items until the context is cancelled.
func (q *PlaybackQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			q.playOne(ctx, item)
		}
	}
}

func (q *PlaybackQueue) playOne(ctx context.Context, item playbackItem) {
	playCtx, cancel := context.WithTimeout(ctx, q.watchdog)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- q.player.Play(playCtx, item.assetRef)
	}()

	select {
	case err := <-done:
		if err != nil {
			q.log.Warn().Err(err).Int64("entry_id", item.entryID).Msg("playback failed")
		}
	case <-playCtx.Done():
		q.log.Warn().Int64("entry_id", item.entryID).Msg("playback watchdog fired")
	}
	q.ack(item.entryID)
}
