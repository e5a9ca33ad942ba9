package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/model"
	"github.com/google/uuid"
)

var (
	ErrRoomNotFound  = errors.New("room is not found")
	ErrEmptyRoomName = errors.New("room name must not be empty")
	ErrNotAMember    = errors.New("user is not a member of this room")
)

// RoomStore keeps named rooms with their member sets. A room that
// loses its last member is deleted immediately.
type RoomStore struct {
	mx *sync.Mutex
	db map[string]*model.Room
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		mx: &sync.Mutex{},
		db: make(map[string]*model.Room),
	}
}

// CreateRoom creates a room containing the given participants. The
// owner is always a member regardless of the initial member list.
func (rs *RoomStore) CreateRoom(name string, owner model.Participant, members []model.Participant) (*model.Room, error) {
	if name == "" {
		return nil, ErrEmptyRoomName
	}

	rs.mx.Lock()
	defer rs.mx.Unlock()

	room := &model.Room{
		ID:           uuid.New().String(),
		Name:         name,
		Participants: map[string]model.Participant{owner.ID: owner},
	}
	for _, m := range members {
		room.Participants[m.ID] = m
	}
	rs.db[room.ID] = room
	return copyRoom(room), nil
}

func (rs *RoomStore) Join(roomID string, p model.Participant) (*model.Room, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	room, ok := rs.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	room.Participants[p.ID] = p
	return copyRoom(room), nil
}

// Leave removes connID from the room. The returned room reflects the
// remaining membership; deleted reports whether the room emptied and
// was dropped.
func (rs *RoomStore) Leave(roomID, connID string) (room *model.Room, deleted bool, err error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	r, ok := rs.db[roomID]
	if !ok {
		return nil, false, ErrRoomNotFound
	}
	if _, ok = r.Participants[connID]; !ok {
		return nil, false, ErrNotAMember
	}
	delete(r.Participants, connID)
	if len(r.Participants) == 0 {
		delete(rs.db, roomID)
		return copyRoom(r), true, nil
	}
	return copyRoom(r), false, nil
}

func (rs *RoomStore) Get(roomID string) (*model.Room, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	room, ok := rs.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

// List returns all rooms sorted by name for discovery.
func (rs *RoomStore) List() []model.Room {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	rooms := make([]model.Room, 0, len(rs.db))
	for _, room := range rs.db {
		rooms = append(rooms, *copyRoom(room))
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Name < rooms[j].Name
	})
	return rooms
}

// RemoveAll drops connID from every room it is a member of and
// returns the affected rooms as they look after removal. Used for
// disconnect cleanup; safe to call for unknown connections.
func (rs *RoomStore) RemoveAll(connID string) []model.Room {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	var affected []model.Room
	for id, room := range rs.db {
		if _, ok := room.Participants[connID]; !ok {
			continue
		}
		delete(room.Participants, connID)
		if len(room.Participants) == 0 {
			delete(rs.db, id)
		}
		affected = append(affected, *copyRoom(room))
	}
	return affected
}

func (rs *RoomStore) Len() int {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return len(rs.db)
}

func copyRoom(room *model.Room) *model.Room {
	cp := &model.Room{
		ID:           room.ID,
		Name:         room.Name,
		Participants: make(map[string]model.Participant, len(room.Participants)),
	}
	for id, p := range room.Participants {
		cp.Participants[id] = p
	}
	return cp
}
