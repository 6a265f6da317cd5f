package server

import (
	"context"
	"strings"

	"github.com/npezzotti/go-huddle/internal/types"
)

const maxReactionLength = 64

type VoteResult struct {
	ItemType string `json:"item_type"`
	ItemId   string `json:"item_id"`
	Value    int    `json:"value"`
	Tally    int64  `json:"tally"`
}

func requireRoom(roomId string) error {
	if roomId == "" {
		return invalidInput("room_id is required")
	}
	return nil
}

func (rt *Router) joinRoom(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req JoinRoom
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := requireRoom(req.RoomId); err != nil {
		return nil, err
	}

	room, err := rt.hub.Directory.Join(ctx, req.RoomId, s)
	if err != nil {
		return nil, err
	}
	rt.hub.Presence.SetCurrentRoom(s.identity, req.RoomId)

	return room, nil
}

func (rt *Router) leaveRoom(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req LeaveRoom
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := requireRoom(req.RoomId); err != nil {
		return nil, err
	}

	return nil, rt.hub.Directory.Leave(ctx, req.RoomId, s, req.Unsubscribe)
}

func (rt *Router) sendMessage(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req SendMessage
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := requireRoom(req.RoomId); err != nil {
		return nil, err
	}

	return rt.hub.Relay.Publish(ctx, req.RoomId, s.identity, req.Body, req.ClientId)
}

func (rt *Router) typing(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req Typing
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := requireRoom(req.RoomId); err != nil {
		return nil, err
	}
	if !s.inRoom(req.RoomId) {
		return nil, ErrForbidden
	}

	rt.hub.Notifier.EmitRoom(req.RoomId, Event(EventTyping, TypingEvent{
		Room:     req.RoomId,
		Identity: s.identity,
		IsTyping: req.IsTyping,
	}), s)
	return nil, nil
}

func (rt *Router) callJoin(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req CallRef
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.CallId == "" {
		return nil, invalidInput("call_id is required")
	}

	return rt.hub.Calls.Join(ctx, req.CallId, s)
}

func (rt *Router) callLeave(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req CallRef
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.CallId == "" {
		return nil, invalidInput("call_id is required")
	}

	return nil, rt.hub.Calls.Leave(ctx, req.CallId, s.identity)
}

func (rt *Router) signal(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req Signal
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}

	return rt.hub.Signals.Relay(ctx, req.CallId, s.identity, req.To, req.Kind, req.Payload)
}

func (rt *Router) vote(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req CastVote
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}

	tally, err := rt.hub.Votes.Cast(ctx, types.Vote{
		ItemType: req.ItemType,
		ItemId:   req.ItemId,
		Voter:    s.identity,
		Value:    req.Value,
	}, req.RoomId)
	if err != nil {
		return nil, err
	}

	return VoteResult{ItemType: req.ItemType, ItemId: req.ItemId, Value: req.Value, Tally: tally}, nil
}

func (rt *Router) setStatus(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req SetStatus
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}

	return rt.hub.Presence.SetStatus(s.identity, req.Status)
}

// heartbeat only refreshes activity, which Dispatch already did.
func (rt *Router) heartbeat(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	return nil, nil
}

func (rt *Router) presenceGet(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req PresenceGet
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}

	return rt.hub.Presence.GetMany(ctx, req.Identities)
}

func (rt *Router) read(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req Read
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := requireRoom(req.RoomId); err != nil {
		return nil, err
	}

	return nil, rt.hub.Directory.MarkRead(ctx, req.RoomId, s.identity, req.OrderKey)
}

func (rt *Router) reaction(ctx context.Context, s *Session, msg *ClientMessage) (any, error) {
	var req Reaction
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if err := requireRoom(req.RoomId); err != nil {
		return nil, err
	}
	req.Reaction = strings.TrimSpace(req.Reaction)
	if req.Reaction == "" || len(req.Reaction) > maxReactionLength {
		return nil, invalidInput("reaction must be 1 to %d bytes", maxReactionLength)
	}
	if !s.inRoom(req.RoomId) {
		return nil, ErrForbidden
	}

	rt.hub.Notifier.EmitRoom(req.RoomId, Event(EventReaction, ReactionEvent{
		Room:     req.RoomId,
		Identity: s.identity,
		Reaction: req.Reaction,
	}), s)
	return nil, nil
}
