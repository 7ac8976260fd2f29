package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingPlayer struct {
	mu     sync.Mutex
	played []string
	block  chan struct{} // non-nil: Play waits for it
	err    error
}

func (p *recordingPlayer) Play(ctx context.Context, assetRef string) error {
	p.mu.Lock()
	p.played = append(p.played, assetRef)
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func (p *recordingPlayer) playedList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type ackRecorder struct {
	mu   sync.Mutex
	acks []int64
}

func (a *ackRecorder) ack(id int64) {
	a.mu.Lock()
	a.acks = append(a.acks, id)
	a.mu.Unlock()
}

func (a *ackRecorder) list() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.acks...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlaybackOrderAndAcks(t *testing.T) {
	player := &recordingPlayer{}
	acks := &ackRecorder{}
	q := NewPlaybackQueue(player, acks.ack, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(1, "agent_1.mp3")
	q.Enqueue(2, "agent_2.mp3")
	q.Enqueue(3, "agent_3.mp3")

	waitUntil(t, "three acks", func() bool { return len(acks.list()) == 3 })

	wantPlayed := []string{"agent_1.mp3", "agent_2.mp3", "agent_3.mp3"}
	got := player.playedList()
	for i, ref := range wantPlayed {
		if got[i] != ref {
			t.Fatalf("played = %q, want %q", got, wantPlayed)
		}
	}
	gotAcks := acks.list()
	if gotAcks[0] != 1 || gotAcks[1] != 2 || gotAcks[2] != 3 {
		t.Fatalf("acks = %v, want [1 2 3]", gotAcks)
	}
}

func TestPlaybackDedupes(t *testing.T) {
	player := &recordingPlayer{}
	acks := &ackRecorder{}
	q := NewPlaybackQueue(player, acks.ack, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(1, "agent_1.mp3")
	q.Enqueue(1, "agent_1.mp3")
	q.Enqueue(1, "agent_1.mp3")

	waitUntil(t, "one ack", func() bool { return len(acks.list()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(player.playedList()); n != 1 {
		t.Fatalf("played %d times, want 1", n)
	}
}

func TestPlaybackErrorStillAcks(t *testing.T) {
	player := &recordingPlayer{err: errors.New("decoder blew up")}
	acks := &ackRecorder{}
	q := NewPlaybackQueue(player, acks.ack, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(1, "agent_1.mp3")
	q.Enqueue(2, "agent_2.mp3")

	waitUntil(t, "both acks despite error", func() bool { return len(acks.list()) == 2 })
}

func TestPlaybackWatchdog(t *testing.T) {
	player := &recordingPlayer{block: make(chan struct{})} // never released
	acks := &ackRecorder{}
	q := NewPlaybackQueue(player, acks.ack, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(1, "agent_1.mp3")
	q.Enqueue(2, "agent_2.mp3")

	// Watchdog frees the queue; both items get acked even though the player
	// never returns on its own.
	waitUntil(t, "watchdog acks", func() bool { return len(acks.list()) == 2 })
}

func TestPlaybackSkipsEmptyAssetRef(t *testing.T) {
	player := &recordingPlayer{}
	acks := &ackRecorder{}
	q := NewPlaybackQueue(player, acks.ack, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(1, "")
	q.Enqueue(2, "agent_2.mp3")

	waitUntil(t, "second item ack", func() bool { return len(acks.list()) == 1 })
	if got := player.playedList(); len(got) != 1 || got[0] != "agent_2.mp3" {
		t.Fatalf("played = %q", got)
	}
}
