package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/types"
)

const requestTimeout = 10 * time.Second

// Directory owns room definitions and membership. Each loaded room is run by
// its own goroutine which is the only writer of that room's state; the
// directory loads rooms on demand and unloads them when idle.
type Directory struct {
	log         hclog.Logger
	repo        database.Repository
	stats       stats.StatsProvider
	calls       *CallManager
	relay       *Relay
	notifier    *Notifier
	idleTimeout time.Duration

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
	wg     sync.WaitGroup
}

func newDirectory(logger hclog.Logger, repo database.Repository, st stats.StatsProvider, idleTimeout time.Duration) *Directory {
	return &Directory{
		log:         logger,
		repo:        repo,
		stats:       st,
		idleTimeout: idleTimeout,
		rooms:       make(map[string]*Room),
	}
}

// sendReq hands req to an actor, giving up if the actor has exited.
func sendReq[T any](ctx context.Context, ch chan<- T, req T, done <-chan struct{}, closedErr error) error {
	select {
	case ch <- req:
		return nil
	case <-done:
		return closedErr
	case <-ctx.Done():
		return ErrServiceUnavailable
	}
}

// get returns the loaded room, loading it from the store if needed. The
// store is read without d.mu held; a concurrent load of the same room keeps
// whichever room was registered first.
func (d *Directory) get(ctx context.Context, roomId string) (*Room, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrServiceUnavailable
	}
	if r, ok := d.rooms[roomId]; ok {
		d.mu.Unlock()
		return r, nil
	}
	d.mu.Unlock()

	info, err := d.repo.GetRoom(ctx, roomId)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		d.log.Error("load room", "room", roomId, "error", err)
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrServiceUnavailable
	}
	if r, ok := d.rooms[roomId]; ok {
		return r, nil
	}

	r := newRoom(d, info)
	d.rooms[roomId] = r
	d.wg.Add(1)
	go r.run()
	d.stats.Incr(stats.LoadedRooms)

	return r, nil
}

func (d *Directory) loaded(roomId string) *Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[roomId]
}

// tryUnload removes r from the directory. Called from r's own goroutine.
func (d *Directory) tryUnload(r *Room) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rooms[r.id] != r {
		return false
	}
	delete(d.rooms, r.id)
	d.stats.Decr(stats.LoadedRooms)
	return true
}

// Create stores a new room. Admins are always members.
func (d *Directory) Create(ctx context.Context, params database.CreateRoomParams) (types.Room, error) {
	params.Name = strings.TrimSpace(params.Name)
	if err := validRoomId(params.Id); err != nil {
		return types.Room{}, err
	}
	if params.Name == "" {
		return types.Room{}, invalidInput("room name is required")
	}

	room, err := d.repo.CreateRoom(ctx, params)
	if errors.Is(err, database.ErrConflict) {
		return types.Room{}, &Error{Kind: KindConflict, Detail: "room already exists"}
	}
	if err != nil {
		return types.Room{}, err
	}

	d.log.Info("room created", "room", room.Id, "private", room.IsPrivate, "conversation", room.Conversation != nil)
	return room, nil
}

const maxRoomIdLength = 128

// validRoomId rejects ids that may not be safely embedded in storage keys.
func validRoomId(id string) error {
	if id == "" {
		return invalidInput("room id is required")
	}
	if len(id) > maxRoomIdLength {
		return invalidInput("room id must be at most %d bytes", maxRoomIdLength)
	}
	for _, c := range id {
		if unicode.IsSpace(c) || unicode.IsControl(c) || strings.ContainsRune(`:*?\`, c) {
			return invalidInput("room id contains invalid character %q", c)
		}
	}
	return nil
}

// Get returns the current definition and membership of a room.
func (d *Directory) Get(ctx context.Context, roomId string) (types.Room, error) {
	if r := d.loaded(roomId); r != nil {
		return r.snapshot(), nil
	}

	room, err := d.repo.GetRoom(ctx, roomId)
	if errors.Is(err, database.ErrNotFound) {
		return types.Room{}, ErrRoomNotFound
	}
	return room, err
}

func (d *Directory) ListMembers(ctx context.Context, roomId string) ([]string, error) {
	room, err := d.Get(ctx, roomId)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

func (d *Directory) IsMember(ctx context.Context, roomId, identity string) (bool, error) {
	if r := d.loaded(roomId); r != nil {
		return r.hasMember(identity), nil
	}

	room, err := d.Get(ctx, roomId)
	if err != nil {
		return false, err
	}
	return slices.Contains(room.Members, identity), nil
}

// Join adds the session to the room, admitting the identity as a member if
// the room is public.
func (d *Directory) Join(ctx context.Context, roomId string, s *Session) (types.Room, error) {
	return d.join(ctx, roomId, s, false)
}

func (d *Directory) join(ctx context.Context, roomId string, s *Session, silent bool) (types.Room, error) {
	for {
		r, err := d.get(ctx, roomId)
		if err != nil {
			return types.Room{}, err
		}

		req := &joinReq{session: s, silent: silent, reply: make(chan joinResult, 1)}
		if err := sendReq(ctx, r.joinChan, req, r.done, errRoomClosed); err != nil {
			if errors.Is(err, errRoomClosed) {
				continue
			}
			return types.Room{}, err
		}

		res := <-req.reply
		return res.room, res.err
	}
}

// Leave removes the session from the room. With unsubscribe the identity
// also gives up its membership.
func (d *Directory) Leave(ctx context.Context, roomId string, s *Session, unsubscribe bool) error {
	return d.leave(ctx, roomId, s, s.identity, unsubscribe, false)
}

func (d *Directory) leave(ctx context.Context, roomId string, s *Session, identity string, unsubscribe, silent bool) error {
	for {
		var (
			r   *Room
			err error
		)
		if silent {
			// nothing to release in a room that is not loaded
			if r = d.loaded(roomId); r == nil {
				if s != nil {
					s.delRoom(roomId)
				}
				return nil
			}
		} else if r, err = d.get(ctx, roomId); err != nil {
			return err
		}

		req := &leaveReq{session: s, identity: identity, unsubscribe: unsubscribe, silent: silent, reply: make(chan error, 1)}
		if err := sendReq(ctx, r.leaveChan, req, r.done, errRoomClosed); err != nil {
			if errors.Is(err, errRoomClosed) {
				continue
			}
			return err
		}

		return <-req.reply
	}
}

// MarkRead records that identity has read roomId up to orderKey.
func (d *Directory) MarkRead(ctx context.Context, roomId, identity string, orderKey int64) error {
	for {
		r, err := d.get(ctx, roomId)
		if err != nil {
			return err
		}

		req := &readReq{identity: identity, orderKey: orderKey, reply: make(chan error, 1)}
		if err := sendReq(ctx, r.readChan, req, r.done, errRoomClosed); err != nil {
			if errors.Is(err, errRoomClosed) {
				continue
			}
			return err
		}

		return <-req.reply
	}
}

func (d *Directory) publish(ctx context.Context, roomId string, req *publishReq) (types.Message, error) {
	for {
		r, err := d.get(ctx, roomId)
		if err != nil {
			return types.Message{}, err
		}

		if err := sendReq(ctx, r.publishChan, req, r.done, errRoomClosed); err != nil {
			if errors.Is(err, errRoomClosed) {
				continue
			}
			return types.Message{}, err
		}

		res := <-req.reply
		return res.msg, res.err
	}
}

// sessions returns the sessions currently joined to roomId.
func (d *Directory) sessions(roomId string) []*Session {
	r := d.loaded(roomId)
	if r == nil {
		return nil
	}
	return r.sessionList()
}

// Shutdown stops every loaded room and waits for them to exit.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	d.closed = true
	rooms := make([]*Room, 0, len(d.rooms))
	for id, r := range d.rooms {
		rooms = append(rooms, r)
		delete(d.rooms, id)
		d.stats.Decr(stats.LoadedRooms)
	}
	d.mu.Unlock()

	for _, r := range rooms {
		d.log.Debug("shutting down room", "room", r.id)
		close(r.exit)
	}

	d.wg.Wait()
}
