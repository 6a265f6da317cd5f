package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/types"
)

type joinReq struct {
	session *Session
	// silent joins come from session restore and are not announced
	silent bool
	reply  chan joinResult
}

type joinResult struct {
	room types.Room
	err  error
}

type leaveReq struct {
	session     *Session
	identity    string
	unsubscribe bool
	silent      bool
	reply       chan error
}

type publishReq struct {
	author   string
	body     string
	clientId string
	reply    chan publishResult
}

type publishResult struct {
	msg types.Message
	err error
}

type readReq struct {
	identity string
	orderKey int64
	reply    chan error
}

// Room is a loaded room. Its goroutine is the only writer of the member and
// session sets and the sequence; other goroutines may read them under mu.
type Room struct {
	id          string
	dir         *Directory
	log         hclog.Logger
	joinChan    chan *joinReq
	leaveChan   chan *leaveReq
	publishChan chan *publishReq
	readChan    chan *readReq

	mu         sync.RWMutex
	info       types.Room
	seqId      int64
	members    map[string]struct{}
	admins     map[string]struct{}
	sessions   map[*Session]struct{}
	byIdentity map[string]map[*Session]struct{}

	// killTimer unloads the room once it has had no sessions for the idle
	// timeout
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(d *Directory, info types.Room) *Room {
	r := &Room{
		id:          info.Id,
		dir:         d,
		log:         d.log.With("room", info.Id),
		joinChan:    make(chan *joinReq),
		leaveChan:   make(chan *leaveReq),
		publishChan: make(chan *publishReq),
		readChan:    make(chan *readReq),
		info:        info,
		seqId:       info.SeqId,
		members:     make(map[string]struct{}, len(info.Members)),
		admins:      make(map[string]struct{}, len(info.Admins)),
		sessions:    make(map[*Session]struct{}),
		byIdentity:  make(map[string]map[*Session]struct{}),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, m := range info.Members {
		r.members[m] = struct{}{}
	}
	for _, a := range info.Admins {
		r.admins[a] = struct{}{}
	}
	return r
}

func (r *Room) run() {
	defer r.dir.wg.Done()
	defer close(r.done)

	r.log.Debug("starting room")
	r.killTimer = time.NewTimer(r.dir.idleTimeout)
	defer r.killTimer.Stop()

	for {
		select {
		case req := <-r.joinChan:
			r.handleJoin(req)
		case req := <-r.leaveChan:
			r.handleLeave(req)
		case req := <-r.publishChan:
			r.handlePublish(req)
		case req := <-r.readChan:
			r.handleRead(req)
		case <-r.killTimer.C:
			if r.handleRoomTimeout() {
				return
			}
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

func (r *Room) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (r *Room) handleRoomTimeout() bool {
	if len(r.sessions) > 0 {
		return false
	}
	r.log.Debug("room idle, unloading")
	r.dir.tryUnload(r)
	return true
}

func (r *Room) handleRoomExit() {
	r.log.Debug("room exiting")

	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.sessions {
		s.delRoom(r.id)
	}
	clear(r.sessions)
	clear(r.byIdentity)
}

// resetIdle starts the kill timer when the last session has gone.
func (r *Room) resetIdle() {
	if len(r.sessions) == 0 {
		r.killTimer.Reset(r.dir.idleTimeout)
	}
}

func (r *Room) handleJoin(req *joinReq) {
	r.killTimer.Stop()

	s := req.session
	if !r.hasMember(s.identity) {
		if r.info.IsPrivate {
			r.resetIdle()
			req.reply <- joinResult{err: ErrForbidden}
			return
		}

		ctx, cancel := r.opContext()
		err := r.dir.repo.AddMember(ctx, r.id, s.identity, false)
		cancel()
		if err != nil {
			r.log.Error("add member", "identity", s.identity, "error", err)
			r.resetIdle()
			req.reply <- joinResult{err: err}
			return
		}

		r.mu.Lock()
		r.members[s.identity] = struct{}{}
		r.mu.Unlock()
		r.log.Info("member added", "identity", s.identity)
	}

	first := r.addSession(s)
	req.reply <- joinResult{room: r.snapshot()}

	if first && !req.silent {
		r.broadcast(Event(EventMemberJoined, MemberEvent{Room: r.id, Identity: s.identity}), s.identity)
	}
}

func (r *Room) handleLeave(req *leaveReq) {
	defer r.resetIdle()

	if req.unsubscribe {
		r.unsubscribe(req)
		return
	}

	s := req.session
	if s == nil || !r.hasSession(s) {
		req.reply <- nil
		return
	}

	remaining := r.removeSession(s)
	if remaining == 0 && !req.silent {
		r.evict(req.identity)
		r.broadcast(Event(EventMemberLeft, MemberEvent{Room: r.id, Identity: s.identity}), "")
	}
	req.reply <- nil
}

func (r *Room) unsubscribe(req *leaveReq) {
	ctx, cancel := r.opContext()
	err := r.dir.repo.RemoveMember(ctx, r.id, req.identity)
	cancel()
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		r.log.Error("remove member", "identity", req.identity, "error", err)
		req.reply <- err
		return
	}

	r.mu.Lock()
	for s := range r.byIdentity[req.identity] {
		delete(r.sessions, s)
		s.delRoom(r.id)
	}
	delete(r.byIdentity, req.identity)
	delete(r.members, req.identity)
	delete(r.admins, req.identity)
	r.mu.Unlock()

	r.log.Info("member unsubscribed", "identity", req.identity)
	r.evict(req.identity)
	r.broadcast(Event(EventMemberLeft, MemberEvent{Room: r.id, Identity: req.identity, Unsubscribed: true}), "")
	req.reply <- nil
}

// evict removes identity from every call bound to this room.
func (r *Room) evict(identity string) {
	if r.dir.calls == nil {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()
	r.dir.calls.Evict(ctx, r.id, identity)
}

func (r *Room) handlePublish(req *publishReq) {
	if r.info.Conversation == nil {
		req.reply <- publishResult{err: ErrInvalidRoom}
		return
	}
	if !r.hasMember(req.author) {
		req.reply <- publishResult{err: ErrForbidden}
		return
	}

	relay := r.dir.relay
	key := dedupKey(r.id, req.author, req.clientId)
	if req.clientId != "" {
		if msg, ok := relay.seen(key); ok {
			r.log.Debug("duplicate publish", "client_id", req.clientId, "order_key", msg.OrderKey)
			req.reply <- publishResult{msg: msg}
			return
		}
	}

	msg := types.Message{
		RoomId:    r.id,
		Author:    req.author,
		Body:      req.body,
		OrderKey:  r.seqId + 1,
		ClientId:  req.clientId,
		CreatedAt: Now(),
	}

	ctx, cancel := r.opContext()
	err := r.dir.repo.CreateMessage(ctx, msg)
	cancel()
	if err != nil {
		r.log.Error("error saving message", "order_key", msg.OrderKey, "error", err)
		if errors.Is(err, database.ErrConflict) {
			r.resync()
			err = ErrServiceUnavailable
		}
		req.reply <- publishResult{err: err}
		return
	}

	// the sequence only advances once the message is durable
	r.mu.Lock()
	r.seqId = msg.OrderKey
	r.info.Conversation.LastMessageAt = msg.CreatedAt
	r.mu.Unlock()

	if req.clientId != "" {
		relay.remember(key, msg)
	}

	event := Event(EventMessage, MessageEvent{Room: r.id, Message: msg})
	for s := range r.sessions {
		s.deliver(event)
	}
	req.reply <- publishResult{msg: msg}

	relay.dispatch(msg)
}

// resync reloads the sequence after the store rejected an order key.
func (r *Room) resync() {
	ctx, cancel := r.opContext()
	defer cancel()

	info, err := r.dir.repo.GetRoom(ctx, r.id)
	if err != nil {
		r.log.Error("resync room", "error", err)
		return
	}

	r.mu.Lock()
	r.seqId = info.SeqId
	r.mu.Unlock()
}

func (r *Room) handleRead(req *readReq) {
	if !r.hasMember(req.identity) {
		req.reply <- ErrForbidden
		return
	}
	if req.orderKey < 1 || req.orderKey > r.seqId {
		req.reply <- invalidInput("order key %d out of range", req.orderKey)
		return
	}

	ctx, cancel := r.opContext()
	err := r.dir.repo.UpdateReadMarker(ctx, types.ReadMarker{
		RoomId:   r.id,
		Identity: req.identity,
		OrderKey: req.orderKey,
		ReadAt:   Now(),
	})
	cancel()
	if err != nil {
		r.log.Error("update read marker", "identity", req.identity, "error", err)
		req.reply <- err
		return
	}
	req.reply <- nil

	if r.dir.notifier != nil {
		r.dir.notifier.EmitRoom(r.id, Event(EventReadReceipt, ReadReceiptEvent{
			Room:     r.id,
			Identity: req.identity,
			OrderKey: req.orderKey,
		}), nil)
	}
}

// broadcast queues event for every session in the room except those of
// skipIdentity.
func (r *Room) broadcast(event *ServerMessage, skipIdentity string) {
	for s := range r.sessions {
		if s.identity == skipIdentity {
			continue
		}
		s.queueMessage(event)
	}
}

// addSession reports whether s is the identity's first session in the room.
func (r *Room) addSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; ok {
		return false
	}
	r.sessions[s] = struct{}{}
	if r.byIdentity[s.identity] == nil {
		r.byIdentity[s.identity] = make(map[*Session]struct{})
	}
	r.byIdentity[s.identity][s] = struct{}{}
	s.addRoom(r.id)

	return len(r.byIdentity[s.identity]) == 1
}

// removeSession returns how many sessions the identity still has here.
func (r *Room) removeSession(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s)
	s.delRoom(r.id)

	left := 0
	if set, ok := r.byIdentity[s.identity]; ok {
		delete(set, s)
		left = len(set)
		if left == 0 {
			delete(r.byIdentity, s.identity)
		}
	}
	return left
}

func (r *Room) hasSession(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[s]
	return ok
}

func (r *Room) hasMember(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[identity]
	return ok
}

func (r *Room) sessionList() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Room) snapshot() types.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.info
	room.SeqId = r.seqId
	room.Members = sortedKeys(r.members)
	room.Admins = sortedKeys(r.admins)
	if r.info.Conversation != nil {
		conv := *r.info.Conversation
		conv.Participants = room.Members
		room.Conversation = &conv
	}
	return room
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
