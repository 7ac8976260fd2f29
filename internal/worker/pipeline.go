package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"voicerelay/internal/metrics"
	"voicerelay/internal/models"
	"voicerelay/internal/redis"
	"voicerelay/internal/service/conversation"

	"github.com/rs/zerolog"
)

var (
	ErrEmptyUtterance = errors.New("worker: empty utterance")
	ErrUnknownTurn    = errors.New("worker: unknown turn")
)

// Relayer performs the single remote agent exchange for one turn.
type Relayer interface {
	Relay(ctx context.Context, entryID int64, text string) (string, error)
}

// Synthesizer produces an audio asset for an entry and returns its reference.
type Synthesizer interface {
	Synthesize(ctx context.Context, entryID int64, text string) (string, error)
}

// Pipeline drives each turn through relay and synthesis. Submit persists the
// user entry and hands the rest to a pool worker; no caller ever waits on a
// remote call, and no lock is held across one either.
type Pipeline struct {
	store   *conversation.Service
	relayer Relayer
	synth   Synthesizer
	cache   *progressCache
	log     zerolog.Logger

	mu       sync.Mutex
	turns    map[int64]*models.TurnProgress
	awaiting map[int64]int64 // agent entry id -> turn id, while synthesis is in flight

	dispatcher *Dispatcher
}

func NewPipeline(store *conversation.Service, relayer Relayer, synth Synthesizer,
	rdb *redis.Client, cfg DispatcherConfig, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		store:    store,
		relayer:  relayer,
		synth:    synth,
		cache:    newProgressCache(rdb, log),
		log:      log,
		turns:    make(map[int64]*models.TurnProgress),
		awaiting: make(map[int64]int64),
	}
	p.dispatcher = NewDispatcher(cfg, p)
	go p.pruneTurns()
	return p
}

// Submit persists the user utterance and schedules the turn. It returns as
// soon as the entry is durable; the returned message carries the assigned id.
// A full job queue drops the turn (logged, counted) but the entry stays in
// the log.
func (p *Pipeline) Submit(ctx context.Context, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyUtterance
	}
	msg, err := p.store.Append(ctx, models.DirectionUser, text)
	if err != nil {
		return nil, err
	}
	metrics.MessagesAppended.WithLabelValues(string(models.DirectionUser)).Inc()
	p.setStage(msg.ID, models.StageReceived, 0, "")
	p.log.Info().Int64("turn_id", msg.ID).Str("text", truncate(text, 80)).Msg("turn received")

	if !p.dispatcher.TrySubmit(Job{Type: JobTurn, Turn: &turnTask{entryID: msg.ID, text: text}}) {
		p.log.Error().Int64("turn_id", msg.ID).Msg("job queue full, turn dropped")
		p.setStage(msg.ID, models.StageFailed, 0, "job queue full")
		metrics.TurnsTotal.WithLabelValues("dropped").Inc()
	}
	return msg, nil
}

// Respond persists an out-of-band agent message and synthesizes its audio
// inline. Synthesis failure still returns the persisted text entry.
func (p *Pipeline) Respond(ctx context.Context, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyUtterance
	}
	msg, err := p.appendAwaiting(ctx, 0, text)
	if err != nil {
		return nil, err
	}
	metrics.MessagesAppended.WithLabelValues(string(models.DirectionAgent)).Inc()
	defer p.clearAwaiting(msg.ID)

	assetRef, err := p.synthesizeFor(ctx, msg.ID, text)
	if err != nil {
		p.log.Warn().Err(err).Int64("entry_id", msg.ID).Msg("out-of-band synthesis failed, text only")
		return msg, nil
	}
	if err := p.store.AttachAsset(ctx, msg.ID, assetRef); err != nil {
		p.log.Warn().Err(err).Int64("entry_id", msg.ID).Str("asset", assetRef).
			Msg("attach asset failed")
		return msg, nil
	}
	msg.AssetRef = assetRef
	return msg, nil
}

// process runs on a pool worker with no request context attached; a turn
// outlives the HTTP request that started it.
func (p *Pipeline) process(task *turnTask) {
	ctx := context.Background()
	metrics.TurnsInFlight.Inc()
	defer metrics.TurnsInFlight.Dec()

	p.setStage(task.entryID, models.StageRelaying, 0, "")
	start := time.Now()
	replyText, err := p.relayer.Relay(ctx, task.entryID, task.text)
	metrics.RelayDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// No reply entry, no retry. The user entry stays in the log.
		p.log.Error().Err(err).Int64("turn_id", task.entryID).Msg("relay failed")
		p.setStage(task.entryID, models.StageFailed, 0, err.Error())
		metrics.TurnsTotal.WithLabelValues("relay_failed").Inc()
		return
	}
	p.log.Info().Int64("turn_id", task.entryID).
		Dur("took", time.Since(start)).
		Str("reply", truncate(replyText, 80)).
		Msg("relay complete")

	reply, err := p.appendAwaiting(ctx, task.entryID, replyText)
	if err != nil {
		p.log.Error().Err(err).Int64("turn_id", task.entryID).Msg("persist reply failed")
		p.setStage(task.entryID, models.StageFailed, 0, "persist reply: "+err.Error())
		metrics.TurnsTotal.WithLabelValues("store_failed").Inc()
		return
	}
	metrics.MessagesAppended.WithLabelValues(string(models.DirectionAgent)).Inc()
	p.setStage(task.entryID, models.StageRelayed, reply.ID, "")

	p.setStage(task.entryID, models.StageSynthesizing, reply.ID, "")
	assetRef, err := p.synthesizeFor(ctx, reply.ID, replyText)
	if err != nil {
		// Text-only reply is a terminal success.
		p.clearAwaiting(reply.ID)
		p.log.Warn().Err(err).Int64("turn_id", task.entryID).Int64("reply_id", reply.ID).
			Msg("synthesis failed, delivering text only")
		p.setStage(task.entryID, models.StageReady, reply.ID, "text only")
		metrics.TurnsTotal.WithLabelValues("text_only").Inc()
		return
	}
	if err := p.store.AttachAsset(ctx, reply.ID, assetRef); err != nil {
		p.log.Warn().Err(err).Int64("reply_id", reply.ID).Str("asset", assetRef).
			Msg("attach asset failed")
	}
	p.clearAwaiting(reply.ID)
	p.setStage(task.entryID, models.StageReady, reply.ID, "")
	metrics.TurnsTotal.WithLabelValues("ready").Inc()
}

func (p *Pipeline) synthesizeFor(ctx context.Context, entryID int64, text string) (string, error) {
	start := time.Now()
	assetRef, err := p.synth.Synthesize(ctx, entryID, text)
	metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
	return assetRef, err
}

// AwaitingAsset reports whether the given agent entry has been persisted but
// its synthesis has not settled yet. Delivery holds such entries back so a
// client never receives a reply whose audio is still seconds away.
func (p *Pipeline) AwaitingAsset(entryID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.awaiting[entryID]
	return ok
}

// Progress returns the current snapshot for a turn, falling back to the
// Redis mirror for turns this process no longer tracks.
func (p *Pipeline) Progress(turnID int64) (*models.TurnProgress, error) {
	p.mu.Lock()
	if tp, ok := p.turns[turnID]; ok {
		snapshot := *tp
		p.mu.Unlock()
		return &snapshot, nil
	}
	p.mu.Unlock()
	if tp, ok := p.cache.load(turnID); ok {
		return tp, nil
	}
	return nil, ErrUnknownTurn
}

func (p *Pipeline) setStage(turnID int64, stage models.TurnStage, replyID int64, detail string) {
	p.mu.Lock()
	tp, ok := p.turns[turnID]
	if !ok {
		tp = &models.TurnProgress{TurnID: turnID}
		p.turns[turnID] = tp
	}
	tp.Stage = stage
	if replyID != 0 {
		tp.ReplyID = replyID
	}
	tp.Detail = detail
	tp.UpdatedAt = time.Now().UTC()
	snapshot := *tp
	p.mu.Unlock()

	p.cache.save(&snapshot)
	p.log.Debug().Int64("turn_id", turnID).Str("stage", string(stage)).Msg("turn stage")
}

// appendAwaiting persists an agent entry and closes its hold-back gate
// under one lock. The entry becomes readable the moment the insert commits,
// so the gate must already be shut when the lock drops; otherwise a poll in
// that window would deliver the reply without its asset. Only the local
// insert runs under the mutex, never a remote call. A turnID of 0 means the
// entry is its own turn (out-of-band responses).
func (p *Pipeline) appendAwaiting(ctx context.Context, turnID int64, text string) (*models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, err := p.store.Append(ctx, models.DirectionAgent, text)
	if err != nil {
		return nil, err
	}
	if turnID == 0 {
		turnID = msg.ID
	}
	p.awaiting[msg.ID] = turnID
	return msg, nil
}

func (p *Pipeline) clearAwaiting(entryID int64) {
	p.mu.Lock()
	delete(p.awaiting, entryID)
	p.mu.Unlock()
}

// pruneTurns drops terminal in-memory snapshots after the same TTL the Redis
// mirror uses, so the map does not grow without bound.
func (p *Pipeline) pruneTurns() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		<-ticker.C
		cutoff := time.Now().UTC().Add(-progressTTL)
		p.mu.Lock()
		for id, tp := range p.turns {
			if tp.Stage.Terminal() && tp.UpdatedAt.Before(cutoff) {
				delete(p.turns, id)
			}
		}
		p.mu.Unlock()
	}
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
