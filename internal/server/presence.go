package server

import (
	"context"
	"errors"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/types"
)

const (
	presenceShards   = 32
	maxPresenceBatch = 100
)

// RoomLocator tells the presence registry which rooms an identity is in.
type RoomLocator interface {
	RoomsOf(identity string) []string
}

type PresenceCallback func(types.Presence)

type presenceEntry struct {
	types.Presence
	lastActive time.Time
	// autoAway is set when the idle sweep, not the user, chose away.
	autoAway bool
	// offlineRooms are the rooms told about the last offline transition;
	// they hear about the next connect too.
	offlineRooms []string
}

type presenceShard struct {
	mu      sync.Mutex
	records map[string]*presenceEntry
}

// PresenceRegistry holds the authoritative presence record per identity.
// State is sharded by identity; records are written to the store by a single
// background writer in the order they changed.
type PresenceRegistry struct {
	log         hclog.Logger
	repo        database.Repository
	notifier    *Notifier
	rooms       RoomLocator
	stats       stats.StatsProvider
	idleTimeout time.Duration

	shards [presenceShards]presenceShard

	subsMu  sync.RWMutex
	subs    map[string]map[int]PresenceCallback
	nextSub int

	persistChan chan types.Presence
	quit        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

func newPresenceRegistry(logger hclog.Logger, repo database.Repository, st stats.StatsProvider, idleTimeout time.Duration) *PresenceRegistry {
	pr := &PresenceRegistry{
		log:         logger,
		repo:        repo,
		stats:       st,
		idleTimeout: idleTimeout,
		subs:        make(map[string]map[int]PresenceCallback),
		persistChan: make(chan types.Presence, 256),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i := range pr.shards {
		pr.shards[i].records = make(map[string]*presenceEntry)
	}
	return pr
}

func (pr *PresenceRegistry) shard(identity string) *presenceShard {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return &pr.shards[h.Sum32()%presenceShards]
}

// Run starts the background writer.
func (pr *PresenceRegistry) Run() {
	go pr.persist()
}

func (pr *PresenceRegistry) persist() {
	defer close(pr.done)

	write := func(p types.Presence) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := pr.repo.UpsertPresence(ctx, p); err != nil {
			pr.log.Error("persist presence", "identity", p.Identity, "error", err)
		}
	}

	for {
		select {
		case p := <-pr.persistChan:
			write(p)
		case <-pr.quit:
			for {
				select {
				case p := <-pr.persistChan:
					write(p)
				default:
					return
				}
			}
		}
	}
}

// Stop flushes queued records and stops the writer.
func (pr *PresenceRegistry) Stop() {
	pr.stopOnce.Do(func() { close(pr.quit) })
	<-pr.done
}

// enqueue must be called with the identity's shard locked so records reach
// the writer in change order.
func (pr *PresenceRegistry) enqueue(p types.Presence) {
	select {
	case pr.persistChan <- p:
	case <-pr.quit:
	}
}

func (pr *PresenceRegistry) entry(sh *presenceShard, identity string) *presenceEntry {
	e, ok := sh.records[identity]
	if !ok {
		e = &presenceEntry{Presence: types.Presence{Identity: identity, Status: types.StatusOffline}}
		sh.records[identity] = e
	}
	return e
}

// Connect moves an offline or idle identity to online.
func (pr *PresenceRegistry) Connect(identity, device string) {
	now := Now()
	sh := pr.shard(identity)

	sh.mu.Lock()
	e := pr.entry(sh, identity)
	wasOffline := e.Status == types.StatusOffline
	// a status the user picked survives reconnecting
	changed := wasOffline || (e.autoAway && e.Status == types.StatusAway)
	if changed {
		e.Status = types.StatusOnline
	}
	e.LastSeenAt = now
	e.Device = device
	e.lastActive = now
	e.autoAway = false
	rooms := e.offlineRooms
	e.offlineRooms = nil
	p := e.Presence
	pr.enqueue(p)
	sh.mu.Unlock()

	if wasOffline {
		pr.stats.Incr(stats.OnlineIdentities)
	}
	if changed {
		for _, roomId := range pr.rooms.RoomsOf(identity) {
			if !slices.Contains(rooms, roomId) {
				rooms = append(rooms, roomId)
			}
		}
		pr.announce(p, rooms)
	}
}

// Disconnect moves identity to offline once its grace period is over and
// tells the rooms it had been in.
func (pr *PresenceRegistry) Disconnect(identity string, rooms []string) {
	sh := pr.shard(identity)

	sh.mu.Lock()
	e := pr.entry(sh, identity)
	changed := e.Status != types.StatusOffline
	e.Status = types.StatusOffline
	e.LastSeenAt = Now()
	e.CurrentRoom = ""
	e.autoAway = false
	if changed {
		e.offlineRooms = slices.Clone(rooms)
	}
	p := e.Presence
	pr.enqueue(p)
	sh.mu.Unlock()

	if changed {
		pr.stats.Decr(stats.OnlineIdentities)
		pr.announce(p, rooms)
	}
}

// SetStatus applies an explicit status change. Offline is only reachable by
// disconnecting.
func (pr *PresenceRegistry) SetStatus(identity string, status types.PresenceStatus) (types.Presence, error) {
	if !status.Valid() || status == types.StatusOffline {
		return types.Presence{}, invalidInput("status %q cannot be set", status)
	}

	now := Now()
	sh := pr.shard(identity)

	sh.mu.Lock()
	e := pr.entry(sh, identity)
	if e.Status == types.StatusOffline {
		sh.mu.Unlock()
		return types.Presence{}, invalidInput("identity is offline")
	}
	changed := e.Status != status
	e.Status = status
	e.LastSeenAt = now
	e.lastActive = now
	e.autoAway = false
	p := e.Presence
	pr.enqueue(p)
	sh.mu.Unlock()

	if changed {
		pr.announce(p, pr.rooms.RoomsOf(identity))
	}
	return p, nil
}

// Touch records activity. An identity the idle sweep marked away comes back
// online.
func (pr *PresenceRegistry) Touch(identity string) {
	now := Now()
	sh := pr.shard(identity)

	sh.mu.Lock()
	e, ok := sh.records[identity]
	if !ok || e.Status == types.StatusOffline {
		sh.mu.Unlock()
		return
	}
	e.lastActive = now
	e.LastSeenAt = now
	back := e.autoAway && e.Status == types.StatusAway
	if back {
		e.Status = types.StatusOnline
		e.autoAway = false
		pr.enqueue(e.Presence)
	}
	p := e.Presence
	sh.mu.Unlock()

	if back {
		pr.announce(p, pr.rooms.RoomsOf(identity))
	}
}

// SetCurrentRoom records the room the identity most recently joined.
func (pr *PresenceRegistry) SetCurrentRoom(identity, roomId string) {
	sh := pr.shard(identity)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.records[identity]; ok && e.Status != types.StatusOffline {
		e.CurrentRoom = roomId
		pr.enqueue(e.Presence)
	}
}

// GetStatus returns the identity's presence, falling back to the store for
// identities this process has not seen.
func (pr *PresenceRegistry) GetStatus(ctx context.Context, identity string) (types.Presence, error) {
	sh := pr.shard(identity)

	sh.mu.Lock()
	e, ok := sh.records[identity]
	var p types.Presence
	if ok {
		p = e.Presence
	}
	sh.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := pr.repo.GetPresence(ctx, identity)
	if errors.Is(err, database.ErrNotFound) {
		return types.Presence{Identity: identity, Status: types.StatusOffline}, nil
	}
	if err != nil {
		return types.Presence{}, err
	}
	// a record left online by a previous process is stale
	p.Status = types.StatusOffline
	return p, nil
}

func (pr *PresenceRegistry) GetMany(ctx context.Context, identities []string) ([]types.Presence, error) {
	if len(identities) > maxPresenceBatch {
		return nil, invalidInput("at most %d identities per request", maxPresenceBatch)
	}

	out := make([]types.Presence, 0, len(identities))
	for _, id := range identities {
		p, err := pr.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Subscribe registers cb for presence changes of identities in roomId.
func (pr *PresenceRegistry) Subscribe(roomId string, cb PresenceCallback) (unsubscribe func()) {
	pr.subsMu.Lock()
	defer pr.subsMu.Unlock()

	pr.nextSub++
	id := pr.nextSub
	if pr.subs[roomId] == nil {
		pr.subs[roomId] = make(map[int]PresenceCallback)
	}
	pr.subs[roomId][id] = cb

	return func() {
		pr.subsMu.Lock()
		defer pr.subsMu.Unlock()
		delete(pr.subs[roomId], id)
		if len(pr.subs[roomId]) == 0 {
			delete(pr.subs, roomId)
		}
	}
}

func (pr *PresenceRegistry) announce(p types.Presence, rooms []string) {
	event := Event(EventPresenceChanged, PresenceEvent{
		Identity:   p.Identity,
		Status:     p.Status,
		LastSeenAt: p.LastSeenAt,
	})

	for _, roomId := range rooms {
		pr.notifier.EmitRoom(roomId, event, nil)

		pr.subsMu.RLock()
		cbs := make([]PresenceCallback, 0, len(pr.subs[roomId]))
		for _, cb := range pr.subs[roomId] {
			cbs = append(cbs, cb)
		}
		pr.subsMu.RUnlock()

		for _, cb := range cbs {
			cb(p)
		}
	}
}

// SweepIdle marks identities with no activity for the idle timeout as away.
func (pr *PresenceRegistry) SweepIdle() {
	cutoff := Now().Add(-pr.idleTimeout)
	changed := make([]types.Presence, 0)

	for i := range pr.shards {
		sh := &pr.shards[i]
		sh.mu.Lock()
		for _, e := range sh.records {
			if e.Status == types.StatusOnline && e.lastActive.Before(cutoff) {
				e.Status = types.StatusAway
				e.autoAway = true
				pr.enqueue(e.Presence)
				changed = append(changed, e.Presence)
			}
		}
		sh.mu.Unlock()
	}

	for _, p := range changed {
		pr.log.Debug("identity idle, marked away", "identity", p.Identity)
		pr.announce(p, pr.rooms.RoomsOf(p.Identity))
	}
}
