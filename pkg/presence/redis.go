package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"voicerooms/pkg/rtcerr"
	"voicerooms/pkg/webrtc/protocol"
)

// KEYS[1] member set, KEYS[2] member hash
// ARGV: member id, capacity, displayName, avatar, joinedAt
var joinScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[2], 'displayName', ARGV[3], 'avatar', ARGV[4])
  return 2
end
local cap = tonumber(ARGV[2])
if cap > 0 and redis.call('SCARD', KEYS[1]) >= cap then
  return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2],
  'userId', ARGV[1], 'displayName', ARGV[3], 'avatar', ARGV[4], 'joinedAt', ARGV[5],
  'isMuted', '0', 'isVideoOn', '0', 'isScreenSharing', '0', 'isSpeaking', '0', 'isDeafened', '0')
return 1
`)

// KEYS[1] member hash; ARGV: field/value pairs
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return redis.call('HGETALL', KEYS[1])
`)

// KEYS[1] member set, KEYS[2] member hash; ARGV[1] member id
var leaveScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return removed
`)

// RedisStore implements Store with one set of member ids per room and one hash
// per member. Capacity checks and merges run as Lua scripts.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "voicerooms").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "voicerooms"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) membersKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:members", s.prefix, roomID)
}

func (s *RedisStore) memberKey(roomID, memberID string) string {
	return fmt.Sprintf("%s:room:%s:member:%s", s.prefix, roomID, memberID)
}

func (s *RedisStore) Join(ctx context.Context, roomID string, m protocol.Member, capacity int) (JoinOutcome, error) {
	res, err := joinScript.Run(ctx, s.rdb,
		[]string{s.membersKey(roomID), s.memberKey(roomID, m.UserID)},
		m.UserID, capacity, m.DisplayName, m.Avatar, m.JoinedAt.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return Full, fmt.Errorf("presence join: %w", err)
	}
	switch res {
	case 1:
		return Joined, nil
	case 2:
		return Rejoined, nil
	}
	return Full, nil
}

func (s *RedisStore) Leave(ctx context.Context, roomID, memberID string) (bool, error) {
	n, err := leaveScript.Run(ctx, s.rdb,
		[]string{s.membersKey(roomID), s.memberKey(roomID, memberID)}, memberID).Int()
	if err != nil {
		return false, fmt.Errorf("presence leave: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Update(ctx context.Context, roomID, memberID string, patch protocol.StatePatch) (protocol.Member, error) {
	fields := patch.Fields()
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, flag(v))
	}
	res, err := updateScript.Run(ctx, s.rdb, []string{s.memberKey(roomID, memberID)}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return protocol.Member{}, rtcerr.ErrNotMember
	}
	if err != nil {
		return protocol.Member{}, fmt.Errorf("presence update: %w", err)
	}
	vals := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		vals[k] = v
	}
	return decodeMember(memberID, vals), nil
}

func (s *RedisStore) Get(ctx context.Context, roomID, memberID string) (protocol.Member, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.memberKey(roomID, memberID)).Result()
	if err != nil {
		return protocol.Member{}, false, err
	}
	if len(vals) == 0 {
		return protocol.Member{}, false, nil
	}
	return decodeMember(memberID, vals), true, nil
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]protocol.Member, error) {
	ids, err := s.rdb.SMembers(ctx, s.membersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []protocol.Member{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.memberKey(roomID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]protocol.Member, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		out = append(out, decodeMember(ids[i], vals))
	}
	sortMembers(out)
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context, roomID string) (int, error) {
	n, err := s.rdb.SCard(ctx, s.membersKey(roomID)).Result()
	return int(n), err
}

func (s *RedisStore) Reset(ctx context.Context, roomID string) error {
	ids, err := s.rdb.SMembers(ctx, s.membersKey(roomID)).Result()
	if err != nil {
		return err
	}
	keys := []string{s.membersKey(roomID)}
	for _, id := range ids {
		keys = append(keys, s.memberKey(roomID, id))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func decodeMember(id string, vals map[string]string) protocol.Member {
	m := protocol.Member{
		UserID:      id,
		DisplayName: vals["displayName"],
		Avatar:      vals["avatar"],
		MediaState: protocol.MediaState{
			IsMuted:         vals["isMuted"] == "1",
			IsVideoOn:       vals["isVideoOn"] == "1",
			IsScreenSharing: vals["isScreenSharing"] == "1",
			IsSpeaking:      vals["isSpeaking"] == "1",
			IsDeafened:      vals["isDeafened"] == "1",
		},
	}
	if ts, ok := vals["joinedAt"]; ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.JoinedAt = parsed
		}
	}
	return m
}
