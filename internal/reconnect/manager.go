package reconnect

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"classroom-backend/internal/apperr"
	"classroom-backend/internal/room"
)

// Rooms is the slice of the registry the manager needs; satisfied by
// *room.Registry.
type Rooms interface {
	Reactivate(roomID string, userID int64, media room.MediaState, sender room.Sender) (room.JoinResult, error)
	MediaStateOf(roomID string, userID int64) (room.MediaState, error)
}

// Token 재접속 토큰. 1회용, TTL 만료.
type Token struct {
	Value      string          `json:"token"`
	RoomID     string          `json:"roomId"`
	UserID     int64           `json:"userId"`
	IssuedAt   time.Time       `json:"issuedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	SavedMedia room.MediaState `json:"savedMedia"`
	Used       bool            `json:"-"`
}

// Manager issues single-use reconnection tokens when a connection drops
// and redeems them while the registry still holds the participant's seat.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*Token
	byRoom map[string]map[string]struct{}
	ttl    time.Duration
	rooms  Rooms
	now    func() time.Time
}

// NewManager wires a token manager to the room registry. ttl <= 0 falls
// back to 30s.
func NewManager(rooms Rooms, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		tokens: make(map[string]*Token),
		byRoom: make(map[string]map[string]struct{}),
		ttl:    ttl,
		rooms:  rooms,
		now:    time.Now,
	}
}

// Issue mints a token for a dropped connection, capturing the user's media
// state at the moment of disconnect.
func (m *Manager) Issue(roomID string, userID int64) Token {
	var media room.MediaState
	if m.rooms != nil {
		if st, err := m.rooms.MediaStateOf(roomID, userID); err == nil {
			media = st
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t := &Token{
		Value:      uuid.NewString(),
		RoomID:     roomID,
		UserID:     userID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(m.ttl),
		SavedMedia: media,
	}
	m.tokens[t.Value] = t
	if m.byRoom[roomID] == nil {
		m.byRoom[roomID] = make(map[string]struct{})
	}
	m.byRoom[roomID][t.Value] = struct{}{}
	return *t
}

// Redeem validates and consumes a token, then reattaches the user's new
// connection through the registry. roomID must match the room the token
// was issued for; a mismatch fails without consuming the token. Once
// consumed, the token is burned before the reactivation attempt: a failed
// reattach does not make it reusable.
func (m *Manager) Redeem(value, roomID string, sender room.Sender) (room.JoinResult, error) {
	m.mu.Lock()
	t, ok := m.tokens[value]
	if !ok {
		m.mu.Unlock()
		return room.JoinResult{}, apperr.New(apperr.CodeNotFound, "unknown reconnect token")
	}
	if t.RoomID != roomID {
		m.mu.Unlock()
		return room.JoinResult{}, apperr.New(apperr.CodeValidation, "reconnect token is for a different room")
	}
	if t.Used {
		m.mu.Unlock()
		return room.JoinResult{}, apperr.New(apperr.CodeConflict, "reconnect token already used")
	}
	if m.now().After(t.ExpiresAt) {
		m.removeLocked(t)
		m.mu.Unlock()
		return room.JoinResult{}, apperr.New(apperr.CodeExpired, "reconnect token expired")
	}
	// Burned in place rather than deleted, so a replay of the same value
	// reports Conflict instead of NotFound. InvalidateRoom and Sweep
	// collect the remains.
	t.Used = true
	m.mu.Unlock()

	return m.rooms.Reactivate(t.RoomID, t.UserID, t.SavedMedia, sender)
}

// OutstandingFor returns the newest unexpired token for a user in a room,
// so a client that missed the token over the dying socket can fetch it
// again over REST.
func (m *Manager) OutstandingFor(roomID string, userID int64) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *Token
	for value := range m.byRoom[roomID] {
		t := m.tokens[value]
		if t == nil || t.Used || t.UserID != userID || now.After(t.ExpiresAt) {
			continue
		}
		if best == nil || t.IssuedAt.After(best.IssuedAt) {
			best = t
		}
	}
	if best == nil {
		return Token{}, false
	}
	return *best, true
}

// InvalidateRoom burns every outstanding token for a room. Hooked to room
// end so tokens never outlive the room they point at.
func (m *Manager) InvalidateRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for value := range m.byRoom[roomID] {
		delete(m.tokens, value)
	}
	delete(m.byRoom, roomID)
}

// Sweep drops expired tokens. Meant to run on a timer; Redeem rejects
// expired tokens regardless.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			m.removeLocked(t)
			removed++
		}
	}
	return removed
}

// removeLocked drops a token from both indexes. Caller holds m.mu.
func (m *Manager) removeLocked(t *Token) {
	delete(m.tokens, t.Value)
	if set := m.byRoom[t.RoomID]; set != nil {
		delete(set, t.Value)
		if len(set) == 0 {
			delete(m.byRoom, t.RoomID)
		}
	}
}
