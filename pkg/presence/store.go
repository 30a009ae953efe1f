// Package presence stores who is in which room and their transient media flags.
package presence

import (
	"context"
	"sort"

	"voicerooms/pkg/webrtc/protocol"
)

// JoinOutcome is the result of Store.Join.
type JoinOutcome int

const (
	// Full means the room was at capacity; nothing changed.
	Full JoinOutcome = iota
	// Joined means the member was added.
	Joined
	// Rejoined means the member was already present; identity fields were refreshed
	// and media state kept.
	Rejoined
)

func (o JoinOutcome) String() string {
	switch o {
	case Joined:
		return "joined"
	case Rejoined:
		return "rejoined"
	}
	return "full"
}

// Store tracks room members. Each method is atomic for one room.
type Store interface {
	// Join adds m unless the room already holds capacity members. capacity <= 0
	// means unlimited.
	Join(ctx context.Context, roomID string, m protocol.Member, capacity int) (JoinOutcome, error)
	// Leave removes the member and reports whether it was present.
	Leave(ctx context.Context, roomID, memberID string) (bool, error)
	// Update merges patch into the member's state and returns the merged member.
	// It fails with rtcerr.ErrNotMember when the member is absent.
	Update(ctx context.Context, roomID, memberID string, patch protocol.StatePatch) (protocol.Member, error)
	Get(ctx context.Context, roomID, memberID string) (protocol.Member, bool, error)
	// Members lists the room ordered by join time.
	Members(ctx context.Context, roomID string) ([]protocol.Member, error)
	Count(ctx context.Context, roomID string) (int, error)
	Reset(ctx context.Context, roomID string) error
}

func sortMembers(members []protocol.Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}
