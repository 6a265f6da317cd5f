package server

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-huddle/internal/types"
)

// inbound kinds
const (
	KindJoinRoom    = "join_room"
	KindLeaveRoom   = "leave_room"
	KindSendMessage = "send_message"
	KindTyping      = "typing"
	KindCallJoin    = "call_join"
	KindCallLeave   = "call_leave"
	KindSignal      = "signal"
	KindVote        = "vote"
	KindSetStatus   = "set_status"
	KindHeartbeat   = "heartbeat"
	KindPresenceGet = "presence_get"
	KindRead        = "read"
	KindReaction    = "reaction"
)

// outbound kinds
const (
	EventAck             = "ack"
	EventError           = "error"
	EventMessage         = "message"
	EventTyping          = "typing"
	EventPresenceChanged = "presence_changed"
	EventCallState       = "call_state"
	EventSignal          = "signal"
	EventReadReceipt     = "read_receipt"
	EventReaction        = "reaction"
	EventVoteTick        = "vote_tick"
	EventMemberJoined    = "member_joined"
	EventMemberLeft      = "member_left"
	EventSessionRestored = "session_restored"
)

type ClientMessage struct {
	Id   int             `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	Timestamp time.Time `json:"-"`
}

// Decode unmarshals the message payload into v.
func (m *ClientMessage) Decode(v any) error {
	if len(m.Data) == 0 {
		return ErrInvalidMessage
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return ErrInvalidMessage
	}
	return nil
}

type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type JoinRoom struct {
	RoomId string `json:"room_id"`
}

type LeaveRoom struct {
	RoomId      string `json:"room_id"`
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
}

type SendMessage struct {
	RoomId   string `json:"room_id"`
	Body     string `json:"body"`
	ClientId string `json:"client_id,omitempty"`
}

type Typing struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type CallRef struct {
	CallId string `json:"call_id"`
}

type Signal struct {
	CallId  string           `json:"call_id"`
	To      string           `json:"to"`
	Kind    types.SignalKind `json:"kind"`
	Payload json.RawMessage  `json:"payload"`
}

type CastVote struct {
	ItemType string `json:"item_type"`
	ItemId   string `json:"item_id"`
	Value    int    `json:"value"`
	RoomId   string `json:"room_id,omitempty"`
}

type SetStatus struct {
	Status types.PresenceStatus `json:"status"`
}

type PresenceGet struct {
	Identities []string `json:"identities"`
}

type Read struct {
	RoomId   string `json:"room_id"`
	OrderKey int64  `json:"order_key"`
}

type Reaction struct {
	RoomId   string `json:"room_id"`
	Reaction string `json:"reaction"`
}

type MessageEvent struct {
	Room    string        `json:"room"`
	Message types.Message `json:"message"`
}

type TypingEvent struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"is_typing"`
}

type PresenceEvent struct {
	Identity   string               `json:"identity"`
	Status     types.PresenceStatus `json:"status"`
	LastSeenAt time.Time            `json:"last_seen_at"`
}

type CallStateEvent struct {
	CallId       string           `json:"call_id"`
	RoomId       string           `json:"room_id,omitempty"`
	Status       types.CallStatus `json:"status"`
	Participants []string         `json:"participants"`
}

type SignalEvent struct {
	CallId  string           `json:"call_id"`
	From    string           `json:"from"`
	Kind    types.SignalKind `json:"kind"`
	Payload json.RawMessage  `json:"payload"`
}

type ReadReceiptEvent struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	OrderKey int64  `json:"order_key"`
}

type ReactionEvent struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Reaction string `json:"reaction"`
}

type VoteTickEvent struct {
	Room     string `json:"room,omitempty"`
	ItemType string `json:"item_type"`
	ItemId   string `json:"item_id"`
	Tally    int64  `json:"tally"`
}

type MemberEvent struct {
	Room         string `json:"room"`
	Identity     string `json:"identity"`
	Unsubscribed bool   `json:"unsubscribed,omitempty"`
}

type RestoredEvent struct {
	Rooms  []string `json:"rooms"`
	CallId string   `json:"call_id,omitempty"`
}

func Ack(id int, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Type:      EventAck,
		Timestamp: Now(),
		Data:      data,
	}
}

func ErrorEvent(id int, err error) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Type:      EventError,
		Timestamp: Now(),
		Data:      AsError(err),
	}
}

func Event(kind string, data any) *ServerMessage {
	return &ServerMessage{
		Type:      kind,
		Timestamp: Now(),
		Data:      data,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
