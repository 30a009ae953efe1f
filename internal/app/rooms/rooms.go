package rooms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
)

// Room is the persistent metadata of a voice room.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	WorkspaceID string    `json:"workspaceId"`
	MaxMembers  int       `json:"maxMembers"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Info projects the public room fields.
func (r Room) Info() protocol.RoomInfo {
	return protocol.RoomInfo{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		WorkspaceID: r.WorkspaceID,
		MaxMembers:  r.MaxMembers,
	}
}

// Store describes room creation and lookup operations.
type Store interface {
	Create(ctx context.Context, r Room) (*Room, error)
	Get(ctx context.Context, id string) (*Room, error)
	Delete(ctx context.Context, id string) error
}

// ErrNotFound is returned when a room id does not exist.
var ErrNotFound = rtcerr.ErrRoomNotFound

// RedisStore persists room metadata in Redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a room store scoped under the provided prefix (e.g., "voicerooms").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "voicerooms"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) roomKey(id string) string {
	return fmt.Sprintf("%s:rooms:%s", s.prefix, id)
}

// Create assigns an id when r has none and stores the room.
func (s *RedisStore) Create(ctx context.Context, r Room) (*Room, error) {
	r = prepare(r)
	key := s.roomKey(r.ID)
	ok, err := s.rdb.HSetNX(ctx, key, "id", r.ID).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("room %s already exists", r.ID)
	}
	if err := s.rdb.HSet(ctx, key, map[string]interface{}{
		"name":         r.Name,
		"description":  r.Description,
		"workspace_id": r.WorkspaceID,
		"max_members":  r.MaxMembers,
		"created_by":   r.CreatedBy,
		"created_at":   r.CreatedAt.Format(time.RFC3339),
	}).Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Get fetches a room by id, returning ErrNotFound when missing.
func (s *RedisStore) Get(ctx context.Context, id string) (*Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}

	vals, err := s.rdb.HGetAll(ctx, s.roomKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	r := &Room{
		ID:          id,
		Name:        vals["name"],
		Description: vals["description"],
		WorkspaceID: vals["workspace_id"],
		CreatedBy:   vals["created_by"],
	}
	if n, err := strconv.Atoi(vals["max_members"]); err == nil {
		r.MaxMembers = n
	}
	r.CreatedAt = time.Now().UTC()
	if ts, ok := vals["created_at"]; ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			r.CreatedAt = parsed
		}
	}
	return r, nil
}

// Delete removes a room by id, returning ErrNotFound when the room does not exist.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}
	deleted, err := s.rdb.Del(ctx, s.roomKey(id)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryStore keeps rooms in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]Room
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]Room)}
}

func (s *MemoryStore) Create(_ context.Context, r Room) (*Room, error) {
	r = prepare(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.ID]; ok {
		return nil, fmt.Errorf("room %s already exists", r.ID)
	}
	s.rooms[r.ID] = r
	return &r, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := s.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, id)
	return nil
}

// IsNotFound reports whether err means the room is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func prepare(r Room) Room {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Second)
	return r
}
