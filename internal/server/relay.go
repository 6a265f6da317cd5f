package server

import (
	"context"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/types"
)

const (
	maxBodyLength     = 8 * 1024
	subscriberBacklog = 64
)

type MessageHandler func(types.Message)

type relaySubscription struct {
	ch   chan types.Message
	quit chan struct{}
}

// Relay accepts messages for rooms that carry a conversation. Ordering and
// persistence happen in the room goroutine; the relay validates input,
// remembers recent client ids and feeds in-process subscribers.
type Relay struct {
	log          hclog.Logger
	dir          *Directory
	repo         database.Repository
	stats        stats.StatsProvider
	historyLimit int
	dedup        *lru.Cache

	mu      sync.RWMutex
	subs    map[string]map[int]*relaySubscription
	nextSub int
}

func newRelay(logger hclog.Logger, dir *Directory, repo database.Repository, st stats.StatsProvider, dedupSize, historyLimit int) (*Relay, error) {
	cache, err := lru.New(dedupSize)
	if err != nil {
		return nil, err
	}

	return &Relay{
		log:          logger,
		dir:          dir,
		repo:         repo,
		stats:        st,
		historyLimit: historyLimit,
		dedup:        cache,
		subs:         make(map[string]map[int]*relaySubscription),
	}, nil
}

// Publish appends body to the room's conversation and fans it out to every
// session in the room. A repeated clientId from the same author returns the
// message stored the first time.
func (rl *Relay) Publish(ctx context.Context, roomId, author, body, clientId string) (types.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return types.Message{}, ErrEmptyBody
	}
	if len(body) > maxBodyLength {
		return types.Message{}, invalidInput("message body exceeds %d bytes", maxBodyLength)
	}

	return rl.dir.publish(ctx, roomId, &publishReq{
		author:   author,
		body:     body,
		clientId: clientId,
		reply:    make(chan publishResult, 1),
	})
}

func dedupKey(roomId, author, clientId string) string {
	return roomId + "|" + author + "|" + clientId
}

func (rl *Relay) seen(key string) (types.Message, bool) {
	v, ok := rl.dedup.Get(key)
	if !ok {
		return types.Message{}, false
	}
	return v.(types.Message), true
}

func (rl *Relay) remember(key string, msg types.Message) {
	rl.dedup.Add(key, msg)
}

// Subscribe calls handler, in order, for every message published to roomId.
// A handler that falls behind loses messages.
func (rl *Relay) Subscribe(roomId string, handler MessageHandler) (unsubscribe func()) {
	sub := &relaySubscription{
		ch:   make(chan types.Message, subscriberBacklog),
		quit: make(chan struct{}),
	}

	rl.mu.Lock()
	rl.nextSub++
	id := rl.nextSub
	if rl.subs[roomId] == nil {
		rl.subs[roomId] = make(map[int]*relaySubscription)
	}
	rl.subs[roomId][id] = sub
	rl.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				handler(msg)
			case <-sub.quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Lock()
			delete(rl.subs[roomId], id)
			if len(rl.subs[roomId]) == 0 {
				delete(rl.subs, roomId)
			}
			rl.mu.Unlock()
			close(sub.quit)
		})
	}
}

// dispatch is called by the room goroutine after a message is stored and
// delivered to sessions.
func (rl *Relay) dispatch(msg types.Message) {
	rl.stats.Incr(stats.MessagesPublished)

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	for _, sub := range rl.subs[msg.RoomId] {
		select {
		case sub.ch <- msg:
		default:
			rl.log.Warn("relay subscriber behind, dropping message", "room", msg.RoomId, "order_key", msg.OrderKey)
			rl.stats.Incr(stats.NotificationsDropped)
		}
	}
}

// History returns stored messages of roomId with since <= order key < before,
// oldest first. Private rooms are only readable by members.
func (rl *Relay) History(ctx context.Context, roomId, identity string, since, before int64, limit int) ([]types.Message, error) {
	if since < 0 || before < 0 {
		return nil, invalidInput("order key bounds must not be negative")
	}
	if before > 0 && since >= before {
		return nil, invalidInput("since must be lower than before")
	}
	if limit <= 0 || limit > rl.historyLimit {
		limit = rl.historyLimit
	}

	room, err := rl.dir.Get(ctx, roomId)
	if err != nil {
		return nil, err
	}
	if room.Conversation == nil {
		return nil, ErrInvalidRoom
	}
	if room.IsPrivate {
		member, err := rl.dir.IsMember(ctx, roomId, identity)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, ErrForbidden
		}
	}

	return rl.repo.GetMessages(ctx, roomId, since, before, limit)
}
