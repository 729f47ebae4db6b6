package whiteboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"classroom-backend/internal/apperr"
	"classroom-backend/internal/room"
)

// Stroke states. A tombstoned stroke keeps its sequence slot forever so
// replay stays deterministic.
type State string

const (
	StateDrafting  State = "DRAFTING"
	StateFinalized State = "FINALIZED"
)

// Tools accepted by StartStroke.
const (
	ToolPen         = "pen"
	ToolHighlighter = "highlighter"
	ToolEraser      = "eraser"
	ToolShape       = "shape"
	ToolText        = "text"
)

// Style 획 스타일
type Style struct {
	Color   string  `json:"color"`
	Width   float64 `json:"width"`
	Opacity float64 `json:"opacity"`
}

// Point 캔버스 좌표
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one drawing operation. Sequence numbers are strictly
// increasing per room and never reused.
type Stroke struct {
	ID           string          `json:"strokeId"`
	RoomID       string          `json:"roomId"`
	UserID       int64           `json:"userId"`
	ConnectionID string          `json:"-"`
	Seq          int64           `json:"seq"`
	Tool         string          `json:"tool"`
	Style        Style           `json:"style"`
	Points       []Point         `json:"points,omitempty"`
	Shape        json.RawMessage `json:"shape,omitempty"` // shape/text payload for non-path tools
	State        State           `json:"state"`
	IsDeleted    bool            `json:"-"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (s *Stroke) clone() Stroke {
	out := *s
	out.Points = append([]Point(nil), s.Points...)
	return out
}

// Broadcaster fans a whiteboard event out to the stroke's room; satisfied
// by *room.Registry.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any, senderID int64) error
}

// Archiver persists strokes asynchronously after broadcast. Losing a write
// loses history, not the live canvas; durability is explicitly best-effort.
type Archiver interface {
	SaveStroke(s Stroke)
	MarkStrokeDeleted(roomID, strokeID string)
	ClearStrokes(roomID string)
}

type roomLog struct {
	mu      sync.Mutex
	seq     int64
	strokes []*Stroke // append-only, ordered by Seq
	byID    map[string]*Stroke
}

// Log is the append-only, tombstoned stroke log for every room. It
// exclusively owns the per-room sequence counters.
type Log struct {
	mu    sync.RWMutex
	rooms map[string]*roomLog

	notify  Broadcaster
	archive Archiver
}

// NewLog creates an empty stroke log. notify and archive may be nil in
// tests.
func NewLog(notify Broadcaster, archive Archiver) *Log {
	return &Log{
		rooms:   make(map[string]*roomLog),
		notify:  notify,
		archive: archive,
	}
}

func (l *Log) getOrCreate(roomID string) *roomLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.rooms[roomID]
	if !ok {
		rl = &roomLog{byID: make(map[string]*Stroke)}
		l.rooms[roomID] = rl
	}
	return rl
}

func (l *Log) get(roomID string) (*roomLog, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, ok := l.rooms[roomID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "no whiteboard for room %s", roomID)
	}
	return rl, nil
}

// broadcast is called while holding the room log mutex so that the fan-out
// dispatch order matches the sequence order.
func (l *Log) broadcast(roomID, event string, payload any, senderID int64) {
	if l.notify == nil {
		return
	}
	if err := l.notify.Broadcast(roomID, event, payload, senderID); err != nil {
		log.Printf("[Whiteboard] broadcast %s for room %s failed: %v", event, roomID, err)
	}
}

// StartStroke opens a draft stroke with the next room sequence number and
// broadcasts it so other clients render it live.
func (l *Log) StartStroke(roomID, strokeID string, userID int64, connID, tool string, style Style, start Point) (Stroke, error) {
	if strokeID == "" {
		return Stroke{}, apperr.New(apperr.CodeValidation, "strokeId is required")
	}
	switch tool {
	case ToolPen, ToolHighlighter, ToolEraser, ToolShape, ToolText:
	default:
		return Stroke{}, apperr.Newf(apperr.CodeValidation, "unknown tool %q", tool)
	}

	rl := l.getOrCreate(roomID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, exists := rl.byID[strokeID]; exists {
		return Stroke{}, apperr.Newf(apperr.CodeConflict, "stroke %s already exists", strokeID)
	}

	rl.seq++
	s := &Stroke{
		ID:           strokeID,
		RoomID:       roomID,
		UserID:       userID,
		ConnectionID: connID,
		Seq:          rl.seq,
		Tool:         tool,
		Style:        style,
		Points:       []Point{start},
		State:        StateDrafting,
		CreatedAt:    time.Now(),
	}
	rl.strokes = append(rl.strokes, s)
	rl.byID[strokeID] = s

	l.broadcast(roomID, room.EventStrokeStart, s.clone(), userID)
	return s.clone(), nil
}

// draftOwnedLocked resolves a draft stroke owned by connID. Caller must
// hold rl.mu.
func (rl *roomLog) draftOwnedLocked(strokeID, connID string) (*Stroke, error) {
	s, ok := rl.byID[strokeID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "stroke %s not found", strokeID)
	}
	if s.IsDeleted || s.State != StateDrafting {
		return nil, apperr.Newf(apperr.CodeConflict, "stroke %s is no longer drafting", strokeID)
	}
	if s.ConnectionID != connID {
		return nil, apperr.Newf(apperr.CodeConflict, "stroke %s belongs to another connection", strokeID)
	}
	return s, nil
}

// AppendPoints extends a draft stroke. Only the connection that started
// the stroke may extend it.
func (l *Log) AppendPoints(roomID, strokeID, connID string, points []Point) error {
	if len(points) == 0 {
		return apperr.New(apperr.CodeValidation, "points are required")
	}
	rl, err := l.get(roomID)
	if err != nil {
		return err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, err := rl.draftOwnedLocked(strokeID, connID)
	if err != nil {
		return err
	}
	s.Points = append(s.Points, points...)

	l.broadcast(roomID, room.EventStrokeDraw, struct {
		StrokeID string  `json:"strokeId"`
		Points   []Point `json:"points"`
	}{StrokeID: strokeID, Points: points}, s.UserID)
	return nil
}

// EndStroke finalizes a draft. The content is immutable from here on,
// though the stroke can still be tombstoned.
func (l *Log) EndStroke(roomID, strokeID, connID string) (Stroke, error) {
	rl, err := l.get(roomID)
	if err != nil {
		return Stroke{}, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, err := rl.draftOwnedLocked(strokeID, connID)
	if err != nil {
		return Stroke{}, err
	}
	s.State = StateFinalized

	l.broadcast(roomID, room.EventStrokeEnd, struct {
		StrokeID string `json:"strokeId"`
	}{StrokeID: strokeID}, s.UserID)
	if l.archive != nil {
		l.archive.SaveStroke(s.clone())
	}
	return s.clone(), nil
}

// EraseStroke tombstones a stroke. Allowed for the stroke's author or the
// host. Erasing an already erased stroke is a no-op.
func (l *Log) EraseStroke(roomID, strokeID string, byUserID int64, isHost bool) error {
	rl, err := l.get(roomID)
	if err != nil {
		return err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, ok := rl.byID[strokeID]
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "stroke %s not found", strokeID)
	}
	if s.IsDeleted {
		return nil
	}
	if s.UserID != byUserID && !isHost {
		return apperr.New(apperr.CodePermission, "stroke belongs to another user")
	}
	s.IsDeleted = true

	l.broadcast(roomID, room.EventStrokeErase, struct {
		StrokeID string `json:"strokeId"`
	}{StrokeID: strokeID}, byUserID)
	if l.archive != nil {
		l.archive.MarkStrokeDeleted(roomID, strokeID)
	}
	return nil
}

// ClearRoom tombstones every remaining stroke. Host only. The sequence
// counter keeps running, so strokes drawn after a clear still replay in a
// stable order.
func (l *Log) ClearRoom(roomID string, byUserID int64, isHost bool) error {
	if !isHost {
		return apperr.New(apperr.CodePermission, "only the host can clear the whiteboard")
	}
	rl, err := l.get(roomID)
	if err != nil {
		return err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for _, s := range rl.strokes {
		s.IsDeleted = true
	}

	l.broadcast(roomID, room.EventWhiteboardClear, struct {
		ClearedBy int64 `json:"clearedBy"`
	}{ClearedBy: byUserID}, byUserID)
	if l.archive != nil {
		l.archive.ClearStrokes(roomID)
	}
	return nil
}

// Undo tombstones the caller's most recent non-deleted stroke, scanning
// backward by sequence. Strictly per-user LIFO: it never touches another
// user's strokes.
func (l *Log) Undo(roomID string, userID int64) (Stroke, error) {
	rl, err := l.get(roomID)
	if err != nil {
		return Stroke{}, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for i := len(rl.strokes) - 1; i >= 0; i-- {
		s := rl.strokes[i]
		if s.IsDeleted || s.UserID != userID {
			continue
		}
		s.IsDeleted = true

		l.broadcast(roomID, room.EventStrokeErase, struct {
			StrokeID string `json:"strokeId"`
			Undo     bool   `json:"undo"`
		}{StrokeID: s.ID, Undo: true}, userID)
		if l.archive != nil {
			l.archive.MarkStrokeDeleted(roomID, s.ID)
		}
		return s.clone(), nil
	}
	return Stroke{}, apperr.New(apperr.CodeNotFound, "nothing to undo")
}

// Replay returns every non-deleted stroke ordered by sequence number.
// Applying them in order reconstructs the canvas identically regardless of
// when the client joined.
func (l *Log) Replay(roomID string) []Stroke {
	rl, err := l.get(roomID)
	if err != nil {
		return []Stroke{}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	out := make([]Stroke, 0, len(rl.strokes))
	for _, s := range rl.strokes {
		if s.IsDeleted {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// DropRoom discards a room's log after the room has ended.
func (l *Log) DropRoom(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, roomID)
}
