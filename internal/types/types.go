package types

import (
	"encoding/json"
	"time"
)

type PresenceStatus string

const (
	StatusOffline PresenceStatus = "offline"
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusAway, StatusBusy:
		return true
	}
	return false
}

type Presence struct {
	Identity    string         `json:"identity"`
	Status      PresenceStatus `json:"status"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	CurrentRoom string         `json:"current_room,omitempty"`
	Device      string         `json:"device,omitempty"`
}

type Room struct {
	Id           string        `json:"id"`
	Name         string        `json:"name"`
	IsPrivate    bool          `json:"is_private"`
	Members      []string      `json:"members"`
	Admins       []string      `json:"admins"`
	SeqId        int64         `json:"seq_id"`
	Conversation *Conversation `json:"conversation,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Conversation pairs a room with chat metadata. A room without one accepts
// ephemeral traffic only.
type Conversation struct {
	RoomId        string    `json:"room_id"`
	Participants  []string  `json:"participants"`
	IsGroup       bool      `json:"is_group"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

type Message struct {
	RoomId    string    `json:"room_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	OrderKey  int64     `json:"order_key"`
	ClientId  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CallStatus string

const (
	CallScheduled CallStatus = "scheduled"
	CallLive      CallStatus = "live"
	CallEnded     CallStatus = "ended"
)

type GroupCall struct {
	Id           string     `json:"id"`
	RoomId       string     `json:"room_id,omitempty"`
	Host         string     `json:"host"`
	Participants []string   `json:"participants"`
	Status       CallStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalCandidate
}

type CallSignal struct {
	CallId      string          `json:"call_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Kind        SignalKind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DeliveredAt time.Time       `json:"delivered_at"`
}

type Vote struct {
	ItemType  string    `json:"item_type"`
	ItemId    string    `json:"item_id"`
	Voter     string    `json:"voter"`
	Value     int       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReadMarker struct {
	RoomId   string    `json:"room_id"`
	Identity string    `json:"identity"`
	OrderKey int64     `json:"order_key"`
	ReadAt   time.Time `json:"read_at"`
}
