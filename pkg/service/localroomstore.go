package service

import (
	"context"
	"sort"
	"sync"
	"time"
)

// encapsulates CRUD operations for room metadata in process memory
type LocalRoomStore struct {
	// map of roomId => room
	rooms map[string]*Room
	lock  sync.RWMutex
}

func NewLocalRoomStore() *LocalRoomStore {
	return &LocalRoomStore{
		rooms: make(map[string]*Room),
	}
}

func (p *LocalRoomStore) CreateRoom(_ context.Context, name string) (*Room, error) {
	room := newRoom("", name, "Room")
	p.lock.Lock()
	p.rooms[room.ID] = room
	p.lock.Unlock()
	return room, nil
}

func (p *LocalRoomStore) GetRoom(_ context.Context, id string) (*Room, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	room := p.rooms[id]
	if room == nil {
		return nil, ErrRoomNotFound
	}
	copied := *room
	return &copied, nil
}

func (p *LocalRoomStore) ListOpenRooms(_ context.Context) ([]*Room, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	rooms := make([]*Room, 0, len(p.rooms))
	for _, r := range p.rooms {
		if r.Status != RoomStatusOpen {
			continue
		}
		copied := *r
		rooms = append(rooms, &copied)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (p *LocalRoomStore) CloseRoom(_ context.Context, id string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	room := p.rooms[id]
	if room == nil {
		return ErrRoomNotFound
	}
	now := time.Now().UTC()
	room.Status = RoomStatusClosed
	room.ClosedAt = &now
	return nil
}

func (p *LocalRoomStore) EnsureExists(_ context.Context, id string) (*Room, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if room := p.rooms[id]; room != nil {
		copied := *room
		return &copied, nil
	}
	room := newRoom(id, "", "Session")
	p.rooms[id] = room
	copied := *room
	return &copied, nil
}
