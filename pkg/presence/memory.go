package presence

import (
	"context"
	"sync"

	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
)

// MemoryStore keeps presence in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]protocol.Member
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]protocol.Member)}
}

func (s *MemoryStore) Join(_ context.Context, roomID string, m protocol.Member, capacity int) (JoinOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[string]protocol.Member)
		s.rooms[roomID] = members
	}
	if cur, ok := members[m.UserID]; ok {
		cur.DisplayName, cur.Avatar = m.DisplayName, m.Avatar
		members[m.UserID] = cur
		return Rejoined, nil
	}
	if capacity > 0 && len(members) >= capacity {
		if len(members) == 0 {
			delete(s.rooms, roomID)
		}
		return Full, nil
	}
	members[m.UserID] = m
	return Joined, nil
}

func (s *MemoryStore) Leave(_ context.Context, roomID, memberID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[roomID]
	if _, ok := members[memberID]; !ok {
		return false, nil
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
	return true, nil
}

func (s *MemoryStore) Update(_ context.Context, roomID, memberID string, patch protocol.StatePatch) (protocol.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rooms[roomID][memberID]
	if !ok {
		return protocol.Member{}, rtcerr.ErrNotMember
	}
	m.MediaState = m.MediaState.Apply(patch)
	s.rooms[roomID][memberID] = m
	return m, nil
}

func (s *MemoryStore) Get(_ context.Context, roomID, memberID string) (protocol.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rooms[roomID][memberID]
	return m, ok, nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]protocol.Member, error) {
	s.mu.Lock()
	out := make([]protocol.Member, 0, len(s.rooms[roomID]))
	for _, m := range s.rooms[roomID] {
		out = append(out, m)
	}
	s.mu.Unlock()
	sortMembers(out)
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[roomID]), nil
}

func (s *MemoryStore) Reset(_ context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return nil
}
