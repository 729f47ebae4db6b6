package room

import (
	"sort"
	"time"
)

// Participant roles. The host role is derived from the backing session's
// host id, never from client input.
const (
	RoleHost        = "HOST"
	RoleParticipant = "PARTICIPANT"
)

// Connection quality levels reported by clients. Advisory only.
const (
	QualityGood = "GOOD"
	QualityFair = "FAIR"
	QualityPoor = "POOR"
)

// MediaState 참가자 미디어 on/off 상태
type MediaState struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// MediaStateUpdate is a partial update; nil fields keep their current value.
type MediaStateUpdate struct {
	Audio  *bool `json:"audio,omitempty"`
	Video  *bool `json:"video,omitempty"`
	Screen *bool `json:"screen,omitempty"`
}

// Participant 룸 안의 한 사용자. Registry가 소유하며 룸 락 아래에서만 변경된다.
type Participant struct {
	UserID       int64
	Nickname     string
	ConnectionID string
	RoomID       string
	Role         string
	JoinedAt     time.Time
	LeftAt       *time.Time
	IsActive     bool
	Media        MediaState
	HandRaised   bool
	Quality      string

	sender     Sender
	graceTimer *time.Timer
}

// ParticipantSnapshot is an immutable copy safe to hand to transports.
type ParticipantSnapshot struct {
	UserID       int64      `json:"userId"`
	Nickname     string     `json:"nickname"`
	ConnectionID string     `json:"connectionId"`
	Role         string     `json:"role"`
	JoinedAt     time.Time  `json:"joinedAt"`
	Media        MediaState `json:"mediaState"`
	HandRaised   bool       `json:"handRaised"`
	Quality      string     `json:"connectionQuality,omitempty"`
}

func (p *Participant) snapshot() ParticipantSnapshot {
	return ParticipantSnapshot{
		UserID:       p.UserID,
		Nickname:     p.Nickname,
		ConnectionID: p.ConnectionID,
		Role:         p.Role,
		JoinedAt:     p.JoinedAt,
		Media:        p.Media,
		HandRaised:   p.HandRaised,
		Quality:      p.Quality,
	}
}

// rosterLocked returns snapshots of all active participants ordered by
// join time. Caller must hold r.mu.
func (r *Room) rosterLocked() []ParticipantSnapshot {
	roster := make([]ParticipantSnapshot, 0, r.current)
	for _, p := range r.participants {
		if p.IsActive {
			roster = append(roster, p.snapshot())
		}
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].UserID < roster[j].UserID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}
