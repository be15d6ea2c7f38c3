package service

import (
	"context"
	"strings"
	"time"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/utils"
)

type RoomStatus string

const (
	RoomStatusOpen   RoomStatus = "open"
	RoomStatusClosed RoomStatus = "closed"
)

// Room is the stored metadata record of one conversation room.
type Room struct {
	ID        string     `json:"room_id"`
	Name      string     `json:"name"`
	Status    RoomStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

// RoomStore encapsulates CRUD operations for room metadata.
type RoomStore interface {
	// CreateRoom mints a new open room; an empty name gets a generated one.
	CreateRoom(ctx context.Context, name string) (*Room, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	// ListOpenRooms returns open rooms, newest first.
	ListOpenRooms(ctx context.Context) ([]*Room, error)
	CloseRoom(ctx context.Context, id string) error
	// EnsureExists returns the room, auto-creating an open record for
	// unknown ids so externally provisioned session ids keep working.
	EnsureExists(ctx context.Context, id string) (*Room, error)
}

func newRoom(id, name, namePrefix string) *Room {
	if id == "" {
		id = utils.NewGuid(utils.RoomPrefix)
	}
	if strings.TrimSpace(name) == "" {
		name = namePrefix + "-" + shortID(id)
	}
	return &Room{
		ID:        id,
		Name:      name,
		Status:    RoomStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, utils.RoomPrefix)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}
