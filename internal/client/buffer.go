package client

import (
	"strings"
	"sync"
)

// BufferMode selects how spoken segments become utterances.
type BufferMode int

const (
	// ModeImmediate sends every segment as its own utterance.
	ModeImmediate BufferMode = iota
	// ModeAccumulate collects segments until the cue word or a manual flush.
	ModeAccumulate
)

// cueWord closes an accumulated utterance when it is the final token of a
// segment. "moreover" does not count; the cue must stand alone.
const cueWord = "over"

type bufferState int

const (
	stateIdle bufferState = iota
	stateAccumulating
)

// UtteranceBuffer assembles transcription segments into complete utterances
// and hands each one to the emit callback. In accumulate mode the caller
// opens a capture window with Start; segments pushed while idle are
// discarded, not queued.
type UtteranceBuffer struct {
	mode BufferMode
	emit func(string)

	mu       sync.Mutex
	state    bufferState
	segments []string
}

func NewUtteranceBuffer(mode BufferMode, emit func(string)) *UtteranceBuffer {
	return &UtteranceBuffer{mode: mode, emit: emit}
}

// Start opens a capture window. In immediate mode it is a no-op.
func (b *UtteranceBuffer) Start() {
	if b.mode != ModeAccumulate {
		return
	}
	b.mu.Lock()
	b.state = stateAccumulating
	b.segments = nil
	b.mu.Unlock()
}

// Accumulating reports whether a capture window is open.
func (b *UtteranceBuffer) Accumulating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateAccumulating
}

// Push feeds one transcription segment into the buffer.
func (b *UtteranceBuffer) Push(segment string) {
	segment = strings.TrimSpace(segment)
	if b.mode == ModeImmediate {
		if segment != "" {
			b.emit(segment)
		}
		return
	}

	b.mu.Lock()
	if b.state != stateAccumulating {
		b.mu.Unlock()
		return
	}
	remainder, cue := splitCue(segment)
	if remainder != "" {
		b.segments = append(b.segments, remainder)
	}
	if !cue {
		b.mu.Unlock()
		return
	}
	utterance := b.drainLocked()
	b.mu.Unlock()

	if utterance != "" {
		b.emit(utterance)
	}
}

// Flush closes the capture window and emits whatever has accumulated. An
// empty buffer emits nothing.
func (b *UtteranceBuffer) Flush() {
	if b.mode != ModeAccumulate {
		return
	}
	b.mu.Lock()
	utterance := b.drainLocked()
	b.mu.Unlock()

	if utterance != "" {
		b.emit(utterance)
	}
}

// Cancel discards the buffer without emitting.
func (b *UtteranceBuffer) Cancel() {
	b.mu.Lock()
	b.segments = nil
	b.state = stateIdle
	b.mu.Unlock()
}

func (b *UtteranceBuffer) drainLocked() string {
	utterance := strings.Join(b.segments, " ")
	b.segments = nil
	b.state = stateIdle
	return utterance
}

// splitCue checks whether the segment ends with the cue word, tolerating
// trailing punctuation ("you over." still cues). It returns the segment with
// the cue stripped, and whether the cue was present.
func splitCue(segment string) (string, bool) {
	s := strings.TrimSpace(segment)
	trimmed := strings.TrimRight(s, ".,!?;: ")
	lower := strings.ToLower(trimmed)
	if lower == cueWord {
		return "", true
	}
	if strings.HasSuffix(lower, " "+cueWord) {
		return strings.TrimSpace(trimmed[:len(trimmed)-len(cueWord)]), true
	}
	return s, false
}
