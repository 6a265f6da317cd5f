package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/types"
)

type callOp int

const (
	opJoin callOp = iota
	opLeave
	opDetach
	opActivate
	opEnd
	opSignal
)

type callReq struct {
	op       callOp
	identity string
	session  *Session
	// keepSeat leaves the identity seated when its last session detaches
	keepSeat bool
	// onlyIfDetached makes a leave a no-op for an identity that has a session
	// in the call
	onlyIfDetached bool
	// force skips the host check on end
	force  bool
	signal *types.CallSignal
	reply  chan callResult
}

type callResult struct {
	call types.GroupCall
	err  error
}

func newCallReq(op callOp, identity string) *callReq {
	return &callReq{op: op, identity: identity, reply: make(chan callResult, 1)}
}

// Call is a scheduled or live call. Its goroutine is the only writer of the
// roster and status.
type Call struct {
	id      string
	roomId  string
	mgr     *CallManager
	log     hclog.Logger
	reqChan chan *callReq

	mu   sync.RWMutex
	info types.GroupCall
	// participants maps identity to its sessions in the call. An identity
	// with no sessions is holding its seat through a reconnect.
	participants map[string]map[*Session]struct{}

	// emptyTimer ends a live call that has had no participants for the
	// empty grace period
	emptyTimer *time.Timer
	exit       chan struct{}
	done       chan struct{}
}

func newCall(m *CallManager, info types.GroupCall) *Call {
	c := &Call{
		id:           info.Id,
		roomId:       info.RoomId,
		mgr:          m,
		log:          m.log.With("call", info.Id),
		reqChan:      make(chan *callReq),
		info:         info,
		participants: make(map[string]map[*Session]struct{}),
		exit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, p := range info.Participants {
		c.participants[p] = make(map[*Session]struct{})
	}
	return c
}

func (c *Call) run() {
	defer c.mgr.wg.Done()
	defer close(c.done)

	c.emptyTimer = time.NewTimer(c.mgr.emptyGrace)
	c.emptyTimer.Stop()
	defer c.emptyTimer.Stop()
	c.checkEmpty()

	for {
		select {
		case req := <-c.reqChan:
			if c.handle(req) {
				return
			}
		case <-c.emptyTimer.C:
			if c.info.Status == types.CallLive && len(c.participants) == 0 {
				c.log.Info("call empty, ending")
				c.finish()
				return
			}
		case <-c.exit:
			c.shutdown()
			return
		}
	}
}

func (c *Call) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// handle runs req and reports whether the call has ended.
func (c *Call) handle(req *callReq) bool {
	var err error
	switch req.op {
	case opJoin:
		err = c.handleJoin(req)
	case opLeave:
		err = c.handleLeave(req)
	case opDetach:
		c.handleDetach(req)
	case opActivate:
		err = c.handleActivate(req)
	case opEnd:
		if !req.force && req.identity != c.info.Host {
			err = ErrNotHost
			break
		}
		c.finish()
		req.reply <- callResult{call: c.snapshot()}
		return true
	case opSignal:
		err = c.handleSignal(req.signal)
	}

	if err != nil {
		req.reply <- callResult{err: err}
	} else {
		req.reply <- callResult{call: c.snapshot()}
	}
	return false
}

func (c *Call) handleJoin(req *callReq) error {
	s := req.session
	if c.roomId != "" {
		ctx, cancel := c.opContext()
		member, err := c.mgr.dir.IsMember(ctx, c.roomId, s.identity)
		cancel()
		if err != nil {
			return err
		}
		if !member {
			return ErrForbidden
		}
	}

	set, seated := c.participants[s.identity]
	if _, ok := set[s]; ok {
		return nil
	}

	c.mu.Lock()
	if !seated {
		set = make(map[*Session]struct{})
		c.participants[s.identity] = set
	}
	set[s] = struct{}{}
	c.mu.Unlock()
	s.setCall(c.id)
	c.emptyTimer.Stop()

	if !seated {
		c.log.Info("participant joined", "identity", s.identity)
		c.persist()
		c.announce()
	}
	return nil
}

func (c *Call) handleLeave(req *callReq) error {
	set, ok := c.participants[req.identity]
	if !ok {
		return ErrNotParticipant
	}
	if req.onlyIfDetached && len(set) > 0 {
		return nil
	}

	c.removeParticipant(req.identity)
	return nil
}

func (c *Call) handleDetach(req *callReq) {
	s := req.session
	s.clearCall(c.id)

	set, ok := c.participants[s.identity]
	if !ok {
		return
	}

	c.mu.Lock()
	delete(set, s)
	c.mu.Unlock()

	if len(set) == 0 && !req.keepSeat {
		c.removeParticipant(s.identity)
	}
}

func (c *Call) removeParticipant(identity string) {
	c.mu.Lock()
	for s := range c.participants[identity] {
		s.clearCall(c.id)
	}
	delete(c.participants, identity)
	c.mu.Unlock()

	c.log.Info("participant left", "identity", identity)
	c.persist()
	c.announce()
	c.checkEmpty()
}

func (c *Call) checkEmpty() {
	if c.info.Status == types.CallLive && len(c.participants) == 0 {
		c.emptyTimer.Reset(c.mgr.emptyGrace)
	}
}

func (c *Call) handleActivate(req *callReq) error {
	if req.identity != c.info.Host {
		return ErrNotHost
	}

	switch c.info.Status {
	case types.CallLive:
		return nil
	case types.CallEnded:
		return ErrInvalidTransition
	}

	now := Now()
	c.mu.Lock()
	c.info.Status = types.CallLive
	c.info.StartedAt = &now
	c.mu.Unlock()

	c.mgr.stats.Incr(stats.LiveCalls)
	c.log.Info("call live")
	c.persist()
	c.announce()
	c.checkEmpty()
	return nil
}

// finish ends the call, stores it and releases every session.
func (c *Call) finish() {
	wasLive := c.info.Status == types.CallLive
	now := Now()

	// audience is taken before the roster is cleared
	audience := c.audience()

	c.mu.Lock()
	c.info.Status = types.CallEnded
	c.info.EndedAt = &now
	for _, set := range c.participants {
		for s := range set {
			s.clearCall(c.id)
		}
	}
	clear(c.participants)
	c.mu.Unlock()

	c.mgr.remove(c)
	if wasLive {
		c.mgr.stats.Decr(stats.LiveCalls)
	}
	c.persist()

	event := c.stateEvent()
	for _, s := range audience {
		s.queueMessage(event)
	}
	c.log.Info("call ended")
}

func (c *Call) shutdown() {
	c.log.Debug("call shutting down")
	if c.info.Status == types.CallLive {
		c.mgr.stats.Decr(stats.LiveCalls)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, set := range c.participants {
		for s := range set {
			s.clearCall(c.id)
		}
	}
}

func (c *Call) handleSignal(sig *types.CallSignal) error {
	if c.info.Status != types.CallLive {
		return ErrCallNotFound
	}
	if _, ok := c.participants[sig.From]; !ok {
		return ErrNotParticipant
	}
	targets, ok := c.participants[sig.To]
	if !ok {
		return ErrNotParticipant
	}

	event := Event(EventSignal, SignalEvent{
		CallId:  c.id,
		From:    sig.From,
		Kind:    sig.Kind,
		Payload: sig.Payload,
	})

	delivered := false
	for s := range targets {
		if s.queueMessage(event) {
			delivered = true
		}
	}
	if !delivered {
		return ErrUnavailable
	}

	c.mgr.stats.Incr(stats.SignalsRelayed)
	return nil
}

func (c *Call) persist() {
	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.mgr.repo.SaveCall(ctx, c.snapshot()); err != nil {
		c.log.Error("save call", "error", err)
	}
}

func (c *Call) stateEvent() *ServerMessage {
	info := c.snapshot()
	return Event(EventCallState, CallStateEvent{
		CallId:       info.Id,
		RoomId:       info.RoomId,
		Status:       info.Status,
		Participants: info.Participants,
	})
}

// announce sends the call state to the call's sessions and, for a call bound
// to a room, to the room's sessions.
func (c *Call) announce() {
	event := c.stateEvent()
	for _, s := range c.audience() {
		s.queueMessage(event)
	}
}

func (c *Call) audience() []*Session {
	seen := make(map[*Session]struct{})
	out := make([]*Session, 0)
	add := func(list []*Session) {
		for _, s := range list {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}

	add(c.sessionList())
	if c.roomId != "" {
		add(c.mgr.dir.sessions(c.roomId))
	}
	return out
}

func (c *Call) sessionList() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Session, 0)
	for _, set := range c.participants {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}

func (c *Call) snapshot() types.GroupCall {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := c.info
	info.Participants = make([]string, 0, len(c.participants))
	for p := range c.participants {
		info.Participants = append(info.Participants, p)
	}
	slices.Sort(info.Participants)
	return info
}
