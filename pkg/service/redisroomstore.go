package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/config"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
)

const (
	// hash of room_id => Room JSON
	RoomsKey = "rooms"
)

func NewRedisClient(conf *config.RedisConfig) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     conf.Address,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "could not connect to redis")
	}
	logger.Infow("room store backed by redis", "addr", conf.Address)
	return rc, nil
}

// RedisRoomStore shares room metadata across relay nodes through a redis hash.
type RedisRoomStore struct {
	rc *redis.Client
}

func NewRedisRoomStore(rc *redis.Client) *RedisRoomStore {
	return &RedisRoomStore{
		rc: rc,
	}
}

func (p *RedisRoomStore) CreateRoom(ctx context.Context, name string) (*Room, error) {
	room := newRoom("", name, "Room")
	if err := p.storeRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (p *RedisRoomStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	data, err := p.rc.HGet(ctx, RoomsKey, id).Result()
	if err != nil {
		if err == redis.Nil {
			err = ErrRoomNotFound
		}
		return nil, err
	}

	room := Room{}
	if err = json.Unmarshal([]byte(data), &room); err != nil {
		return nil, errors.Wrap(err, "could not decode room")
	}
	return &room, nil
}

func (p *RedisRoomStore) ListOpenRooms(ctx context.Context) ([]*Room, error) {
	items, err := p.rc.HVals(ctx, RoomsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "could not get rooms")
	}

	rooms := make([]*Room, 0, len(items))
	for _, item := range items {
		room := Room{}
		if err := json.Unmarshal([]byte(item), &room); err != nil {
			return nil, errors.Wrap(err, "could not decode room")
		}
		if room.Status != RoomStatusOpen {
			continue
		}
		rooms = append(rooms, &room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (p *RedisRoomStore) CloseRoom(ctx context.Context, id string) error {
	room, err := p.GetRoom(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	room.Status = RoomStatusClosed
	room.ClosedAt = &now
	return p.storeRoom(ctx, room)
}

func (p *RedisRoomStore) EnsureExists(ctx context.Context, id string) (*Room, error) {
	room, err := p.GetRoom(ctx, id)
	if err == nil {
		return room, nil
	}
	if err != ErrRoomNotFound {
		return nil, err
	}

	room = newRoom(id, "", "Session")
	if err := p.storeRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (p *RedisRoomStore) storeRoom(ctx context.Context, room *Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return errors.Wrap(err, "could not encode room")
	}
	if err := p.rc.HSet(ctx, RoomsKey, room.ID, data).Err(); err != nil {
		return errors.Wrap(err, "could not store room")
	}
	return nil
}
