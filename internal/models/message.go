package models

import "time"

// Direction tells which side of the conversation produced an entry.
type Direction string

const (
	DirectionUser  Direction = "user"
	DirectionAgent Direction = "agent"
)

// Message is one persisted entry of the conversation log. The id is the
// ordering key for the whole system; created_at is informational only.
type Message struct {
	ID        int64     `json:"id"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	AssetRef  string    `json:"asset_ref,omitempty"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}

// Speakable reports whether the entry carries synthesized audio a client can
// play. Agent entries are created text-first; the asset is attached later.
func (m *Message) Speakable() bool {
	return m != nil && m.Direction == DirectionAgent && m.AssetRef != ""
}
