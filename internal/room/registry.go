package room

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"classroom-backend/internal/apperr"
)

// Status 룸 상태 머신: SCHEDULED → LIVE → ENDED (ENDED는 종단 상태)
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusLive      Status = "LIVE"
	StatusEnded     Status = "ENDED"
)

// ICEServer STUN/TURN 엔드포인트 (외부 설정에서 받아 참가자에게 그대로 전달)
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ParseICEServers parses the ICE_SERVERS env JSON. An empty value falls
// back to a public STUN endpoint so local development works out of the box.
func ParseICEServers(raw string) ([]ICEServer, error) {
	if raw == "" {
		return []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}, nil
	}
	var servers []ICEServer
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid ICE server config: %v", err)
	}
	for _, s := range servers {
		if len(s.URLs) == 0 {
			return nil, apperr.New(apperr.CodeValidation, "ICE server entry without urls")
		}
	}
	return servers, nil
}

// Config Registry 동작 설정
type Config struct {
	GraceWindow    time.Duration // 끊김 후 자리 보존 시간
	DispatchBuffer int           // 룸별 fan-out 큐 크기
}

// EndedRoom is handed to the RoomEnded hook for persistence write-back.
type EndedRoom struct {
	RoomID          string
	SessionID       int64
	HostID          int64
	StartedAt       *time.Time
	EndedAt         time.Time
	DurationSeconds int64
}

// Hooks are invoked on room teardown. They run outside the room lock and
// must not call back into the Registry.
type Hooks struct {
	RoomStarted      func(sessionID int64, at time.Time)
	RoomEnded        func(EndedRoom)
	InvalidateTokens func(roomID string)
}

type delivery struct {
	msg     Envelope
	targets []Sender
}

// Room 하나의 라이브 룸. 모든 가변 상태는 mu 아래에서만 변경되고,
// fan-out은 dispatch 채널을 단일 직렬화 지점으로 사용한다.
type Room struct {
	id              string
	sessionID       int64
	hostID          int64
	maxParticipants int

	mu           sync.Mutex
	status       Status
	startedAt    *time.Time
	current      int
	participants map[int64]*Participant
	dispatch     chan delivery
	done         chan struct{}
	closing      []Sender
}

// RoomInfo 룸 스냅샷 (전송 계층용)
type RoomInfo struct {
	ID                  string     `json:"id"`
	SessionID           int64      `json:"sessionId"`
	HostID              int64      `json:"hostId"`
	Status              Status     `json:"status"`
	MaxParticipants     int        `json:"maxParticipants"`
	CurrentParticipants int        `json:"currentParticipants"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
}

// JoinResult is returned to the joining (or reconnecting) client.
type JoinResult struct {
	Room        RoomInfo              `json:"room"`
	Self        ParticipantSnapshot   `json:"self"`
	Roster      []ParticipantSnapshot `json:"roster"`
	ICEServers  []ICEServer           `json:"iceServers"`
	Reconnected bool                  `json:"reconnected"`
}

// Registry owns every room and its participants. It is constructed
// explicitly and torn down with Shutdown; no package-level state.
type Registry struct {
	cfg   Config
	ice   []ICEServer
	hooks Hooks

	mu        sync.RWMutex
	rooms     map[string]*Room
	bySession map[int64]string
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, ice []ICEServer) *Registry {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 7 * time.Second
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = 256
	}
	return &Registry{
		cfg:       cfg,
		ice:       ice,
		rooms:     make(map[string]*Room),
		bySession: make(map[int64]string),
	}
}

// SetHooks wires teardown callbacks. Call once before serving traffic.
func (g *Registry) SetHooks(h Hooks) {
	g.hooks = h
}

// GraceWindow returns the configured disconnect grace period.
func (g *Registry) GraceWindow() time.Duration {
	return g.cfg.GraceWindow
}

// OpenRoom creates a room backed by a persisted class session. At most one
// non-ended room may exist per session.
func (g *Registry) OpenRoom(sessionID, hostID int64, maxParticipants int) (RoomInfo, error) {
	if sessionID <= 0 || hostID <= 0 {
		return RoomInfo{}, apperr.New(apperr.CodeValidation, "sessionId and hostId are required")
	}
	if maxParticipants <= 0 {
		return RoomInfo{}, apperr.New(apperr.CodeValidation, "maxParticipants must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.bySession[sessionID]; ok {
		return RoomInfo{}, apperr.Newf(apperr.CodeConflict,
			"a live room already exists for session %d (room %s)", sessionID, existing)
	}

	r := &Room{
		id:              uuid.NewString(),
		sessionID:       sessionID,
		hostID:          hostID,
		maxParticipants: maxParticipants,
		status:          StatusScheduled,
		participants:    make(map[int64]*Participant),
		dispatch:        make(chan delivery, g.cfg.DispatchBuffer),
		done:            make(chan struct{}),
	}
	g.rooms[r.id] = r
	g.bySession[sessionID] = r.id

	go r.runDispatcher()

	log.Printf("[Registry] Opened room %s for session %d (host %d, cap %d)",
		r.id, sessionID, hostID, maxParticipants)
	return r.infoLocked(), nil
}

// room looks up a live or scheduled room. Ended rooms are removed from the
// map on teardown, so a miss means missing-or-ended.
func (g *Registry) room(roomID string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "room %s not found or already ended", roomID)
	}
	return r, nil
}

// Join admits a participant and returns their snapshot plus the current
// roster. The first join moves a scheduled room to live.
func (g *Registry) Join(roomID string, userID int64, nickname, role string, sender Sender) (JoinResult, error) {
	if userID <= 0 {
		return JoinResult{}, apperr.New(apperr.CodeValidation, "userId is required")
	}
	r, err := g.room(roomID)
	if err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusEnded {
		return JoinResult{}, apperr.New(apperr.CodeNotFound, "session has ended")
	}
	if p, ok := r.participants[userID]; ok && p.IsActive {
		return JoinResult{}, apperr.Newf(apperr.CodeConflict,
			"user %d already has an active participant in this room", userID)
	}
	if r.current >= r.maxParticipants {
		return JoinResult{}, apperr.New(apperr.CodeCapacity, "room is full")
	}

	now := time.Now()
	if r.status == StatusScheduled {
		r.status = StatusLive
		r.startedAt = &now
		// Hook runs off the room lock; it only enqueues a write-behind job.
		if g.hooks.RoomStarted != nil {
			go g.hooks.RoomStarted(r.sessionID, now)
		}
	}

	p := &Participant{
		UserID:       userID,
		Nickname:     nickname,
		ConnectionID: uuid.NewString(),
		RoomID:       r.id,
		Role:         role,
		JoinedAt:     now,
		IsActive:     true,
		sender:       sender,
	}
	if userID == r.hostID {
		p.Role = RoleHost
	} else if p.Role == "" {
		p.Role = RoleParticipant
	}
	r.participants[userID] = p
	r.current++

	res := JoinResult{
		Room:       r.infoLocked(),
		Self:       p.snapshot(),
		Roster:     r.rosterLocked(),
		ICEServers: g.ice,
	}
	r.fanoutLocked(EventUserJoined, p.snapshot(), userID)

	log.Printf("[Room %s] user %d joined (%d/%d)", r.id, userID, r.current, r.maxParticipants)
	return res, nil
}

// Leave deactivates a participant. Leaving twice is a no-op, not an error.
func (g *Registry) Leave(roomID string, userID int64) error {
	r, err := g.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok || !p.IsActive {
		return nil
	}
	r.deactivateLocked(p)
	r.fanoutLocked(EventUserLeft, UserEventPayload{UserID: userID, Nickname: p.Nickname}, userID)
	log.Printf("[Room %s] user %d left (%d/%d)", r.id, userID, r.current, r.maxParticipants)
	return nil
}

// Kick removes a participant. Host only.
func (g *Registry) Kick(roomID string, byUserID, targetID int64) error {
	r, err := g.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if byUserID != r.hostID {
		return apperr.New(apperr.CodePermission, "only the host can remove participants")
	}
	p, ok := r.participants[targetID]
	if !ok || !p.IsActive {
		return apperr.Newf(apperr.CodeNotFound, "user %d is not in the room", targetID)
	}
	sender := p.sender
	r.deactivateLocked(p)
	r.fanoutLocked(EventUserLeft, UserEventPayload{UserID: targetID, Nickname: p.Nickname}, targetID)
	if sender != nil {
		go sender.Close()
	}
	log.Printf("[Room %s] user %d kicked by host", r.id, targetID)
	return nil
}

// EndRoom ends a room. Host only. All participants receive session-ended,
// outstanding reconnection tokens are invalidated, and the backing session
// record is written back via the RoomEnded hook.
func (g *Registry) EndRoom(roomID string, byUserID int64) error {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return apperr.Newf(apperr.CodeNotFound, "room %s not found or already ended", roomID)
	}

	r.mu.Lock()
	if byUserID != r.hostID {
		r.mu.Unlock()
		g.mu.Unlock()
		return apperr.New(apperr.CodePermission, "only the host can end the session")
	}
	ev := r.endLocked(byUserID)
	delete(g.rooms, roomID)
	delete(g.bySession, r.sessionID)
	hooks := g.hooks
	r.mu.Unlock()
	g.mu.Unlock()

	log.Printf("[Room %s] ended by host %d (session %d, %ds)",
		roomID, byUserID, ev.SessionID, ev.DurationSeconds)
	if hooks.InvalidateTokens != nil {
		hooks.InvalidateTokens(roomID)
	}
	if hooks.RoomEnded != nil {
		hooks.RoomEnded(ev)
	}
	return nil
}

// endLocked performs the ended transition. Caller must hold r.mu.
func (r *Room) endLocked(byUserID int64) EndedRoom {
	now := time.Now()

	// session-ended goes to everyone still attached, then the dispatcher
	// drains and closes the connections.
	targets := make([]Sender, 0, r.current)
	for _, p := range r.participants {
		if p.IsActive && p.sender != nil {
			targets = append(targets, p.sender)
		}
	}
	if len(targets) > 0 {
		payload := SessionEndedPayload{RoomID: r.id, SessionID: r.sessionID, EndedBy: byUserID, EndedAt: now}
		select {
		case r.dispatch <- delivery{msg: newEvent(EventSessionEnded, payload), targets: targets}:
		default:
			log.Printf("[Room %s] dispatch buffer full, dropping %s", r.id, EventSessionEnded)
		}
	}

	for _, p := range r.participants {
		if !p.IsActive {
			continue
		}
		if p.sender != nil {
			r.closing = append(r.closing, p.sender)
		}
		r.deactivateLocked(p)
	}
	r.status = StatusEnded
	close(r.done)

	var dur int64
	if r.startedAt != nil {
		dur = int64(now.Sub(*r.startedAt).Seconds())
	}
	return EndedRoom{
		RoomID:          r.id,
		SessionID:       r.sessionID,
		HostID:          r.hostID,
		StartedAt:       r.startedAt,
		EndedAt:         now,
		DurationSeconds: dur,
	}
}

// deactivateLocked flips a participant to inactive and frees their slot.
// Caller must hold r.mu.
func (r *Room) deactivateLocked(p *Participant) {
	now := time.Now()
	p.IsActive = false
	p.LeftAt = &now
	p.sender = nil
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	r.current--
}

// HandleDisconnect marks a participant as detached after an abrupt drop.
// The capacity slot is held for the grace window; if no reconnection
// arrives, the normal leave path fires (and a dropped host ends the room).
func (g *Registry) HandleDisconnect(roomID string, userID int64, connectionID string) {
	r, err := g.room(roomID)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok || !p.IsActive || p.ConnectionID != connectionID {
		return
	}
	p.sender = nil
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.graceTimer = time.AfterFunc(g.cfg.GraceWindow, func() {
		g.expireGrace(roomID, userID, connectionID)
	})
	log.Printf("[Room %s] user %d disconnected, holding slot for %s", r.id, userID, g.cfg.GraceWindow)
}

func (g *Registry) expireGrace(roomID string, userID int64, connectionID string) {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return
	}

	r.mu.Lock()
	p, ok := r.participants[userID]
	if !ok || !p.IsActive || p.sender != nil || p.ConnectionID != connectionID {
		// reconnected (or already gone) in the meantime
		r.mu.Unlock()
		g.mu.Unlock()
		return
	}

	if userID == r.hostID {
		// host never came back: the room ends
		ev := r.endLocked(userID)
		delete(g.rooms, r.id)
		delete(g.bySession, r.sessionID)
		hooks := g.hooks
		r.mu.Unlock()
		g.mu.Unlock()

		log.Printf("[Room %s] host %d reconnect window expired, ending room", roomID, userID)
		if hooks.InvalidateTokens != nil {
			hooks.InvalidateTokens(roomID)
		}
		if hooks.RoomEnded != nil {
			hooks.RoomEnded(ev)
		}
		return
	}

	r.deactivateLocked(p)
	r.fanoutLocked(EventUserLeft, UserEventPayload{UserID: userID, Nickname: p.Nickname}, userID)
	r.mu.Unlock()
	g.mu.Unlock()
	log.Printf("[Room %s] user %d reconnect window expired", roomID, userID)
}

// Reactivate restores a participant after a redeemed reconnection token.
// The rest of the room sees user-reconnected, never a leave/join pair.
func (g *Registry) Reactivate(roomID string, userID int64, media MediaState, sender Sender) (JoinResult, error) {
	r, err := g.room(roomID)
	if err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusLive {
		return JoinResult{}, apperr.New(apperr.CodeNotFound, "session has ended")
	}
	p, ok := r.participants[userID]
	if !ok {
		return JoinResult{}, apperr.Newf(apperr.CodeNotFound, "no participant state for user %d", userID)
	}
	if p.IsActive && p.sender != nil {
		return JoinResult{}, apperr.New(apperr.CodeConflict, "participant is already connected")
	}
	if !p.IsActive {
		// the grace window elapsed and the slot was freed; re-admit
		if r.current >= r.maxParticipants {
			return JoinResult{}, apperr.New(apperr.CodeCapacity, "room is full")
		}
		p.IsActive = true
		p.LeftAt = nil
		r.current++
	}
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.sender = sender
	p.ConnectionID = uuid.NewString()
	p.Media = media

	res := JoinResult{
		Room:        r.infoLocked(),
		Self:        p.snapshot(),
		Roster:      r.rosterLocked(),
		ICEServers:  g.ice,
		Reconnected: true,
	}
	r.fanoutLocked(EventUserReconnected, p.snapshot(), userID)
	log.Printf("[Room %s] user %d reconnected", r.id, userID)
	return res, nil
}

// MediaStateOf returns the current media state of an active participant,
// captured by the reconnection manager when issuing a token.
func (g *Registry) MediaStateOf(roomID string, userID int64) (MediaState, error) {
	r, err := g.room(roomID)
	if err != nil {
		return MediaState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok || !p.IsActive {
		return MediaState{}, apperr.Newf(apperr.CodeNotFound, "user %d is not in the room", userID)
	}
	return p.Media, nil
}

// Snapshot returns the room info and active roster.
func (g *Registry) Snapshot(roomID string) (RoomInfo, []ParticipantSnapshot, error) {
	r, err := g.room(roomID)
	if err != nil {
		return RoomInfo{}, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(), r.rosterLocked(), nil
}

// IsHost reports whether userID hosts the given room.
func (g *Registry) IsHost(roomID string, userID int64) bool {
	r, err := g.room(roomID)
	if err != nil {
		return false
	}
	return r.hostID == userID
}

// Shutdown ends every room. Used for graceful server drain.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = make(map[string]*Room)
	g.bySession = make(map[int64]string)
	hooks := g.hooks
	g.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		if r.status == StatusEnded {
			r.mu.Unlock()
			continue
		}
		ev := r.endLocked(r.hostID)
		r.mu.Unlock()

		if hooks.InvalidateTokens != nil {
			hooks.InvalidateTokens(ev.RoomID)
		}
		if hooks.RoomEnded != nil {
			hooks.RoomEnded(ev)
		}
	}
	log.Printf("[Registry] Drained %d rooms", len(rooms))
}

// infoLocked builds a RoomInfo. Caller must hold r.mu (or own the room
// exclusively, as in OpenRoom).
func (r *Room) infoLocked() RoomInfo {
	return RoomInfo{
		ID:                  r.id,
		SessionID:           r.sessionID,
		HostID:              r.hostID,
		Status:              r.status,
		MaxParticipants:     r.maxParticipants,
		CurrentParticipants: r.current,
		StartedAt:           r.startedAt,
	}
}
