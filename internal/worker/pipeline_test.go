package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voicerelay/internal/config"
	"voicerelay/internal/models"
	"voicerelay/internal/service/conversation"
	"voicerelay/internal/storage"

	"github.com/rs/zerolog"
)

type fakeRelayer struct {
	reply string
	err   error
}

func (f *fakeRelayer) Relay(_ context.Context, _ int64, _ string) (string, error) {
	return f.reply, f.err
}

// blockingRelayer holds every call until release is closed, to observe the
// pipeline mid-flight.
type blockingRelayer struct {
	started chan int64
	release chan struct{}
}

func (f *blockingRelayer) Relay(_ context.Context, entryID int64, _ string) (string, error) {
	f.started <- entryID
	<-f.release
	return fmt.Sprintf("reply to %d", entryID), nil
}

type fakeSynth struct {
	err error
}

func (f *fakeSynth) Synthesize(_ context.Context, entryID int64, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("agent_%d.mp3", entryID), nil
}

type blockingSynth struct {
	started chan int64
	release chan struct{}
}

func (f *blockingSynth) Synthesize(_ context.Context, entryID int64, _ string) (string, error) {
	f.started <- entryID
	<-f.release
	return fmt.Sprintf("agent_%d.mp3", entryID), nil
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{
		"sqlite3": {DSN: filepath.Join(t.TempDir(), "test.db")},
	}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestPipeline(t *testing.T, relayer Relayer, synth Synthesizer) (*Pipeline, *conversation.Service) {
	t.Helper()
	store, err := conversation.NewService(openTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfg := DispatcherConfig{
		MinWorkers:        1,
		MaxWorkers:        4,
		QueueSize:         8,
		WorkerIdleTimeout: time.Minute,
	}
	return NewPipeline(store, relayer, synth, nil, cfg, zerolog.Nop()), store
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func TestTurnSuccess(t *testing.T) {
	p, store := newTestPipeline(t, &fakeRelayer{reply: "hello back"}, &fakeSynth{})
	ctx := context.Background()

	msg, err := p.Submit(ctx, "hello there")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.ID == 0 || msg.Direction != models.DirectionUser {
		t.Fatalf("bad submitted entry: %+v", msg)
	}

	waitFor(t, "turn ready", func() bool {
		tp, err := p.Progress(msg.ID)
		return err == nil && tp.Stage == models.StageReady
	})

	batch, err := store.ReadSince(ctx, msg.ID, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d replies, want 1", len(batch))
	}
	reply := batch[0]
	if reply.Direction != models.DirectionAgent || reply.Text != "hello back" {
		t.Fatalf("bad reply: %+v", reply)
	}
	if reply.AssetRef != fmt.Sprintf("agent_%d.mp3", reply.ID) {
		t.Fatalf("asset ref = %q", reply.AssetRef)
	}

	tp, err := p.Progress(msg.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if tp.ReplyID != reply.ID {
		t.Fatalf("progress = %+v", tp)
	}
}

func TestSubmitEmptyUtterance(t *testing.T) {
	p, store := newTestPipeline(t, &fakeRelayer{reply: "x"}, &fakeSynth{})
	if _, err := p.Submit(context.Background(), "   "); !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("err = %v, want ErrEmptyUtterance", err)
	}
	batch, err := store.ReadSince(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("empty submit persisted %d entries", len(batch))
	}
}

func TestRelayFailureLeavesNoReply(t *testing.T) {
	p, store := newTestPipeline(t, &fakeRelayer{err: errors.New("agent down")}, &fakeSynth{})
	ctx := context.Background()

	msg, err := p.Submit(ctx, "anyone there")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "turn failure", func() bool {
		tp, err := p.Progress(msg.ID)
		return err == nil && tp.Stage == models.StageFailed
	})

	batch, err := store.ReadSince(ctx, msg.ID, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("relay failure produced a reply: %+v", batch)
	}
	// The user entry itself stays.
	if _, err := store.Get(ctx, msg.ID); err != nil {
		t.Fatalf("user entry lost: %v", err)
	}
}

func TestSynthesisFailureKeepsTextReply(t *testing.T) {
	p, store := newTestPipeline(t, &fakeRelayer{reply: "spoken reply"}, &fakeSynth{err: errors.New("tts broke")})
	ctx := context.Background()

	msg, err := p.Submit(ctx, "say something")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "turn ready", func() bool {
		tp, err := p.Progress(msg.ID)
		return err == nil && tp.Stage == models.StageReady
	})

	batch, err := store.ReadSince(ctx, msg.ID, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d replies, want 1", len(batch))
	}
	reply := batch[0]
	if reply.Text != "spoken reply" || reply.AssetRef != "" {
		t.Fatalf("want text-only reply, got %+v", reply)
	}
	if p.AwaitingAsset(reply.ID) {
		t.Fatal("settled reply still marked awaiting")
	}
}

func TestSubmitDoesNotBlockOnInFlightTurn(t *testing.T) {
	relayer := &blockingRelayer{
		started: make(chan int64, 4),
		release: make(chan struct{}),
	}
	p, _ := newTestPipeline(t, relayer, &fakeSynth{})
	ctx := context.Background()

	first, err := p.Submit(ctx, "slow one")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-relayer.started // first turn now stuck inside relay

	done := make(chan *models.Message, 1)
	go func() {
		msg, err := p.Submit(ctx, "quick follow-up")
		if err != nil {
			t.Errorf("second submit: %v", err)
		}
		done <- msg
	}()

	select {
	case second := <-done:
		if second.ID <= first.ID {
			t.Fatalf("ids not ascending: %d then %d", first.ID, second.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second submit blocked on in-flight turn")
	}

	close(relayer.release)
	waitFor(t, "both turns ready", func() bool {
		tp, err := p.Progress(first.ID)
		return err == nil && tp.Stage == models.StageReady
	})
}

func TestAwaitingAssetWhileSynthesisInFlight(t *testing.T) {
	synth := &blockingSynth{
		started: make(chan int64, 1),
		release: make(chan struct{}),
	}
	p, store := newTestPipeline(t, &fakeRelayer{reply: "pending audio"}, synth)
	ctx := context.Background()

	msg, err := p.Submit(ctx, "make some audio")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	replyID := <-synth.started

	if !p.AwaitingAsset(replyID) {
		t.Fatal("reply not marked awaiting during synthesis")
	}
	// Text is already durable while the asset is pending.
	reply, err := store.Get(ctx, replyID)
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if reply.Text != "pending audio" || reply.AssetRef != "" {
		t.Fatalf("unexpected reply state: %+v", reply)
	}

	close(synth.release)
	waitFor(t, "turn ready", func() bool {
		tp, err := p.Progress(msg.ID)
		return err == nil && tp.Stage == models.StageReady
	})
	if p.AwaitingAsset(replyID) {
		t.Fatal("reply still awaiting after asset attached")
	}
	settled, err := store.Get(ctx, replyID)
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if settled.AssetRef == "" {
		t.Fatal("asset never attached")
	}
}

func TestRespondSynthesizesInline(t *testing.T) {
	p, store := newTestPipeline(t, &fakeRelayer{reply: "unused"}, &fakeSynth{})
	ctx := context.Background()

	msg, err := p.Respond(ctx, "announcement")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if msg.Direction != models.DirectionAgent {
		t.Fatalf("direction = %q", msg.Direction)
	}
	if msg.AssetRef == "" {
		t.Fatal("respond returned no asset")
	}
	stored, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.AssetRef != msg.AssetRef {
		t.Fatalf("stored asset %q != returned %q", stored.AssetRef, msg.AssetRef)
	}
}

// slowSynth widens the window between reply persistence and asset attach.
type slowSynth struct{}

func (slowSynth) Synthesize(_ context.Context, entryID int64, _ string) (string, error) {
	time.Sleep(2 * time.Millisecond)
	return fmt.Sprintf("agent_%d.mp3", entryID), nil
}

// A reply entry must never be readable while its hold-back gate is open:
// the insert and the gate close happen under one lock, so a concurrent
// reader either sees no entry yet or sees AwaitingAsset report true.
// Hammers the store with readers while many turns are in flight.
func TestReplyNeverReadableWithGateOpen(t *testing.T) {
	store, err := conversation.NewService(openTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cfg := DispatcherConfig{
		MinWorkers:        2,
		MaxWorkers:        8,
		QueueSize:         256,
		WorkerIdleTimeout: time.Minute,
	}
	p := NewPipeline(store, &fakeRelayer{reply: "echo"}, slowSynth{}, nil, cfg, zerolog.Nop())
	ctx := context.Background()

	const turns = 100
	var leaks atomic.Int64
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				batch, err := store.ReadSince(ctx, 0, 2*turns)
				if err != nil {
					continue
				}
				for _, m := range batch {
					if m.Direction != models.DirectionAgent || m.AssetRef != "" {
						continue
					}
					if p.AwaitingAsset(m.ID) {
						continue
					}
					// The gate may have closed between the batch read and
					// the check; a settled reply already carries its asset.
					settled, err := store.Get(ctx, m.ID)
					if err == nil && settled.AssetRef == "" {
						leaks.Add(1)
					}
				}
			}
		}()
	}

	for i := 0; i < turns; i++ {
		if _, err := p.Submit(ctx, fmt.Sprintf("utterance %d", i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, "all replies settled", func() bool {
		batch, err := store.ReadSince(ctx, 0, 2*turns)
		if err != nil {
			return false
		}
		settled := 0
		for _, m := range batch {
			if m.Direction == models.DirectionAgent && m.AssetRef != "" {
				settled++
			}
		}
		return settled == turns
	})
	close(stop)
	readers.Wait()

	if n := leaks.Load(); n != 0 {
		t.Fatalf("%d replies readable while asset pending and gate open", n)
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	// 3-byte runes; a byte slice at 4 would split the second one.
	s := "日本語"
	got := truncate(s, 4)
	if got != "日..." {
		t.Fatalf("truncate(%q, 4) = %q", s, got)
	}
	if truncate("short", 80) != "short" {
		t.Fatal("short string must pass through unchanged")
	}
}

func TestProgressUnknownTurn(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeRelayer{reply: "x"}, &fakeSynth{})
	if _, err := p.Progress(424242); !errors.Is(err, ErrUnknownTurn) {
		t.Fatalf("err = %v, want ErrUnknownTurn", err)
	}
}
