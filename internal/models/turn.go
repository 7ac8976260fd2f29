package models

import "time"

// TurnStage is the position of one turn inside the processing pipeline.
type TurnStage string

const (
	StageReceived     TurnStage = "received"
	StageRelaying     TurnStage = "relaying"
	StageRelayed      TurnStage = "relayed"
	StageSynthesizing TurnStage = "synthesizing"
	StageReady        TurnStage = "ready"
	StageFailed       TurnStage = "failed"
)

// Terminal reports whether the stage ends the turn's processing.
func (s TurnStage) Terminal() bool {
	return s == StageReady || s == StageFailed
}

// TurnProgress is an observable snapshot of one turn. TurnID equals the id of
// the user entry that started the turn; ReplyID is set once the agent reply
// has been persisted.
type TurnProgress struct {
	TurnID    int64     `json:"turn_id"`
	Stage     TurnStage `json:"stage"`
	ReplyID   int64     `json:"reply_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
