package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/teris-io/shortid"
)

// CallManager owns group call lifecycle. Every call that is not ended runs
// its own goroutine holding the roster; ended calls are only in the store.
type CallManager struct {
	log          hclog.Logger
	repo         database.Repository
	dir          *Directory
	stats        stats.StatsProvider
	emptyGrace   time.Duration
	abandonAfter time.Duration
	newId        func() (string, error)

	mu     sync.Mutex
	calls  map[string]*Call
	closed bool
	wg     sync.WaitGroup
}

func newCallManager(logger hclog.Logger, repo database.Repository, st stats.StatsProvider, emptyGrace, abandonAfter time.Duration) *CallManager {
	return &CallManager{
		log:          logger,
		repo:         repo,
		stats:        st,
		emptyGrace:   emptyGrace,
		abandonAfter: abandonAfter,
		newId:        shortid.Generate,
		calls:        make(map[string]*Call),
	}
}

// start runs an actor for info. The call must not be ended.
func (m *CallManager) start(info types.GroupCall) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrServiceUnavailable
	}

	c := newCall(m, info)
	m.calls[info.Id] = c
	m.wg.Add(1)
	go c.run()
	if info.Status == types.CallLive {
		m.stats.Incr(stats.LiveCalls)
	}
	return c, nil
}

func (m *CallManager) loaded(callId string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callId]
}

func (m *CallManager) remove(c *Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls[c.id] == c {
		delete(m.calls, c.id)
	}
}

// Create schedules a new call hosted by host. A call bound to a room can
// only be created by a member of that room.
func (m *CallManager) Create(ctx context.Context, host, roomId string) (types.GroupCall, error) {
	if host == "" {
		return types.GroupCall{}, invalidInput("host is required")
	}
	if roomId != "" {
		member, err := m.dir.IsMember(ctx, roomId, host)
		if err != nil {
			return types.GroupCall{}, err
		}
		if !member {
			return types.GroupCall{}, ErrForbidden
		}
	}

	id, err := m.newId()
	if err != nil {
		return types.GroupCall{}, err
	}

	info := types.GroupCall{
		Id:           id,
		RoomId:       roomId,
		Host:         host,
		Participants: []string{},
		Status:       types.CallScheduled,
		CreatedAt:    Now(),
	}
	if err := m.repo.SaveCall(ctx, info); err != nil {
		return types.GroupCall{}, err
	}

	if _, err := m.start(info); err != nil {
		return types.GroupCall{}, err
	}

	m.log.Info("call scheduled", "call", id, "room", roomId, "host", host)
	return info, nil
}

// Get returns a call, looking in the store for calls that have ended.
func (m *CallManager) Get(ctx context.Context, callId string) (types.GroupCall, error) {
	if c := m.loaded(callId); c != nil {
		return c.snapshot(), nil
	}

	info, err := m.repo.GetCall(ctx, callId)
	if errors.Is(err, database.ErrNotFound) {
		return types.GroupCall{}, ErrCallNotFound
	}
	return info, err
}

func (m *CallManager) do(ctx context.Context, callId string, req *callReq) (types.GroupCall, error) {
	for {
		c := m.loaded(callId)
		if c == nil {
			return types.GroupCall{}, ErrCallNotFound
		}

		if err := sendReq(ctx, c.reqChan, req, c.done, errCallClosed); err != nil {
			if errors.Is(err, errCallClosed) {
				continue
			}
			return types.GroupCall{}, err
		}

		res := <-req.reply
		return res.call, res.err
	}
}

// Activate moves a scheduled call to live. Only the host may do this.
func (m *CallManager) Activate(ctx context.Context, callId, identity string) (types.GroupCall, error) {
	call, err := m.do(ctx, callId, newCallReq(opActivate, identity))
	if errors.Is(err, ErrCallNotFound) {
		return types.GroupCall{}, m.endedOrMissing(ctx, callId)
	}
	return call, err
}

// End ends the call. Only the host may do this.
func (m *CallManager) End(ctx context.Context, callId, identity string) (types.GroupCall, error) {
	call, err := m.do(ctx, callId, newCallReq(opEnd, identity))
	if errors.Is(err, ErrCallNotFound) {
		return types.GroupCall{}, m.endedOrMissing(ctx, callId)
	}
	return call, err
}

func (m *CallManager) endedOrMissing(ctx context.Context, callId string) error {
	info, err := m.repo.GetCall(ctx, callId)
	if errors.Is(err, database.ErrNotFound) {
		return ErrCallNotFound
	}
	if err != nil {
		return err
	}
	if info.Status == types.CallEnded {
		return ErrInvalidTransition
	}
	return ErrCallNotFound
}

// end ends a call without the host check.
func (m *CallManager) end(ctx context.Context, callId string) error {
	req := newCallReq(opEnd, "")
	req.force = true
	_, err := m.do(ctx, callId, req)
	return err
}

// Join seats the session's identity in the call, leaving whatever call the
// session was in before.
func (m *CallManager) Join(ctx context.Context, callId string, s *Session) (types.GroupCall, error) {
	if prev := s.Call(); prev != "" && prev != callId {
		if err := m.detach(ctx, prev, s, false); err != nil && !errors.Is(err, ErrCallNotFound) {
			return types.GroupCall{}, err
		}
	}

	req := newCallReq(opJoin, s.identity)
	req.session = s
	return m.do(ctx, callId, req)
}

// Leave removes identity and all of its sessions from the call.
func (m *CallManager) Leave(ctx context.Context, callId, identity string) error {
	return m.leave(ctx, callId, identity, false)
}

// leave with onlyIfDetached keeps the seat of an identity that has a session
// in the call again.
func (m *CallManager) leave(ctx context.Context, callId, identity string, onlyIfDetached bool) error {
	req := newCallReq(opLeave, identity)
	req.onlyIfDetached = onlyIfDetached
	_, err := m.do(ctx, callId, req)
	return err
}

// detach removes one session from the call. With keepSeat the identity stays
// a participant even when it has no session left.
func (m *CallManager) detach(ctx context.Context, callId string, s *Session, keepSeat bool) error {
	req := newCallReq(opDetach, s.identity)
	req.session = s
	req.keepSeat = keepSeat
	_, err := m.do(ctx, callId, req)
	return err
}

// Evict removes identity from every call bound to roomId.
func (m *CallManager) Evict(ctx context.Context, roomId, identity string) {
	m.mu.Lock()
	targets := make([]*Call, 0)
	for _, c := range m.calls {
		if c.roomId == roomId {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		err := m.leave(ctx, c.id, identity, false)
		if err != nil && !errors.Is(err, ErrNotParticipant) && !errors.Is(err, ErrCallNotFound) {
			m.log.Error("evict from call", "call", c.id, "identity", identity, "error", err)
		}
	}
}

func (m *CallManager) signal(ctx context.Context, sig types.CallSignal) error {
	req := newCallReq(opSignal, sig.From)
	req.signal = &sig
	_, err := m.do(ctx, sig.CallId, req)
	return err
}

// SweepAbandoned ends scheduled calls that were never activated.
func (m *CallManager) SweepAbandoned(now time.Time) {
	cutoff := now.Add(-m.abandonAfter)

	m.mu.Lock()
	stale := make([]string, 0)
	for id, c := range m.calls {
		info := c.snapshot()
		if info.Status == types.CallScheduled && info.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := m.end(ctx, id); err != nil && !errors.Is(err, ErrCallNotFound) {
			m.log.Error("end abandoned call", "call", id, "error", err)
		} else {
			m.log.Info("abandoned call ended", "call", id)
		}
		cancel()
	}
}

// Restore loads the scheduled and live calls left in the store by a
// previous process. Sessions did not survive, so rosters start empty.
func (m *CallManager) Restore(ctx context.Context) error {
	for _, status := range []types.CallStatus{types.CallScheduled, types.CallLive} {
		calls, err := m.repo.ListCalls(ctx, status)
		if err != nil {
			return err
		}

		for _, info := range calls {
			if m.loaded(info.Id) != nil {
				continue
			}
			if len(info.Participants) > 0 {
				info.Participants = []string{}
				if err := m.repo.SaveCall(ctx, info); err != nil {
					return err
				}
			}
			c, err := m.start(info)
			if err != nil {
				return err
			}
			m.log.Debug("call restored", "call", c.id, "status", info.Status)
		}
	}
	return nil
}

// sessions returns the sessions attached to callId.
func (m *CallManager) sessions(callId string) []*Session {
	c := m.loaded(callId)
	if c == nil {
		return nil
	}
	return c.sessionList()
}

// Shutdown stops every call actor. Calls keep their stored status and are
// restored on the next start.
func (m *CallManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	calls := make([]*Call, 0, len(m.calls))
	for id, c := range m.calls {
		calls = append(calls, c)
		delete(m.calls, id)
	}
	m.mu.Unlock()

	for _, c := range calls {
		close(c.exit)
	}
	m.wg.Wait()
}
