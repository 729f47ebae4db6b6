package handler

import (
	"encoding/json"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"classroom-backend/internal/apperr"
	"classroom-backend/internal/model"
	"classroom-backend/internal/reconnect"
	"classroom-backend/internal/room"
	"classroom-backend/internal/store"
	"classroom-backend/internal/whiteboard"
)

const maxChatLength = 2000

// wsConn adapts a Fiber WebSocket connection to room.Sender. writeMu
// serializes writes; gofiber/websocket connections are not safe for
// concurrent WriteMessage.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) Send(msg room.Envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// ClientMessage 클라이언트가 보내는 메시지 공통 포맷
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Code   apperr.Code `json:"code"`
	Reason string      `json:"reason"`
	Ref    string      `json:"ref,omitempty"` // client message type that caused it
}

// wsSession is the per-connection state threaded through dispatch.
type wsSession struct {
	conn      *wsConn
	roomID    string
	sessionID int64
	userID    int64
	nickname  string
	connID    string
	left      bool // deliberate leave or session ended; no reconnect token
}

type wsHandlerFunc func(h *RoomWSHandler, s *wsSession, payload json.RawMessage) error

// RoomWSHandler 라이브 룸 WebSocket 핸들러
type RoomWSHandler struct {
	registry *room.Registry
	board    *whiteboard.Log
	tokens   *reconnect.Manager
	store    *store.Store

	dispatch map[string]wsHandlerFunc
}

// NewRoomWSHandler RoomWSHandler 생성
func NewRoomWSHandler(registry *room.Registry, board *whiteboard.Log, tokens *reconnect.Manager, st *store.Store) *RoomWSHandler {
	h := &RoomWSHandler{
		registry: registry,
		board:    board,
		tokens:   tokens,
		store:    st,
	}
	// Typed dispatch table; unknown types get a validation error instead of
	// a silent drop so client bugs surface early.
	h.dispatch = map[string]wsHandlerFunc{
		"signal":                  (*RoomWSHandler).handleSignal,
		"chat-message":            (*RoomWSHandler).handleChat,
		"media-state":             (*RoomWSHandler).handleMediaState,
		"raise-hand":              (*RoomWSHandler).handleRaiseHand,
		"lower-hand":              (*RoomWSHandler).handleLowerHand,
		"connection-quality":      (*RoomWSHandler).handleQuality,
		"question-asked":          (*RoomWSHandler).handleQuestionAsked,
		"question-answered":       (*RoomWSHandler).handleQuestionAnswered,
		"whiteboard-stroke-start": (*RoomWSHandler).handleStrokeStart,
		"whiteboard-stroke-draw":  (*RoomWSHandler).handleStrokeDraw,
		"whiteboard-stroke-end":   (*RoomWSHandler).handleStrokeEnd,
		"whiteboard-stroke-erase": (*RoomWSHandler).handleStrokeErase,
		"whiteboard-clear":        (*RoomWSHandler).handleWhiteboardClear,
		"whiteboard-undo":         (*RoomWSHandler).handleUndo,
		"leave":                   (*RoomWSHandler).handleLeave,
		"end-session":             (*RoomWSHandler).handleEndSession,
		"ping":                    (*RoomWSHandler).handlePing,
	}
	return h
}

// HandleWebSocket runs the connection lifecycle: join (or token redeem),
// read loop, disconnect cleanup.
func (h *RoomWSHandler) HandleWebSocket(c *websocket.Conn) {
	roomID, ok1 := c.Locals("roomID").(string)
	userID, ok2 := c.Locals("userID").(int64)
	nickname, ok3 := c.Locals("nickname").(string)
	if !ok1 || !ok2 || !ok3 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","v":1,"payload":{"code":"VALIDATION","reason":"invalid session"}}`))
		c.Close()
		return
	}

	wsc := &wsConn{conn: c}

	var (
		res room.JoinResult
		err error
	)
	if token := c.Query("reconnect_token"); token != "" {
		res, err = h.tokens.Redeem(token, roomID, wsc)
	} else {
		res, err = h.registry.Join(roomID, userID, nickname, room.RoleParticipant, wsc)
	}
	if err != nil {
		h.sendError(wsc, "join", err)
		c.Close()
		return
	}

	s := &wsSession{
		conn:      wsc,
		roomID:    res.Room.ID,
		sessionID: res.Room.SessionID,
		userID:    userID,
		nickname:  nickname,
		connID:    res.Self.ConnectionID,
	}

	// 입장 응답: 룸 스냅샷 + 로스터 + ICE 서버 목록
	joinType := "room-joined"
	if res.Reconnected {
		joinType = "room-rejoined"
	}
	if err := wsc.Send(room.Envelope{Type: joinType, Version: room.SchemaVersion, Payload: res}); err != nil {
		log.Printf("[RoomWS] failed to send join ack to user %d: %v", userID, err)
	}

	defer func() {
		c.Close()
		h.cleanupDisconnect(s)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			h.sendError(wsc, "", apperr.New(apperr.CodeValidation, "malformed message"))
			continue
		}

		fn, ok := h.dispatch[msg.Type]
		if !ok {
			h.sendError(wsc, msg.Type, apperr.Newf(apperr.CodeValidation, "unknown message type %q", msg.Type))
			continue
		}
		if err := fn(h, s, msg.Payload); err != nil {
			h.sendError(wsc, msg.Type, err)
		}
		if s.left {
			return
		}
	}
}

// cleanupDisconnect runs when the socket dies. A deliberate leave or an
// already-ended room gets no reconnect token.
func (h *RoomWSHandler) cleanupDisconnect(s *wsSession) {
	if s.left {
		return
	}
	if _, _, err := h.registry.Snapshot(s.roomID); err != nil {
		return
	}
	// Abnormal drop: issue a reconnect token first so the media state
	// snapshot is taken before the seat starts its grace countdown.
	t := h.tokens.Issue(s.roomID, s.userID)
	h.registry.HandleDisconnect(s.roomID, s.userID, s.connID)
	log.Printf("[RoomWS] user %d disconnected from room %s (token expires %s)",
		s.userID, s.roomID, t.ExpiresAt.Format(time.RFC3339))
}

func (h *RoomWSHandler) sendError(w *wsConn, ref string, err error) {
	e := room.Envelope{
		Type:    "error",
		Version: room.SchemaVersion,
		Payload: errorPayload{Code: apperr.CodeOf(err), Reason: err.Error(), Ref: ref},
	}
	if sendErr := w.Send(e); sendErr != nil {
		log.Printf("[RoomWS] failed to send error envelope: %v", sendErr)
	}
}

// ----- signaling -----

type signalRequest struct {
	ToUserID int64           `json:"toUserId"`
	Type     room.SignalType `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

func (h *RoomWSHandler) handleSignal(s *wsSession, payload json.RawMessage) error {
	var req signalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed signal payload")
	}
	return h.registry.Relay(s.roomID, s.userID, req.ToUserID, req.Type, req.Payload)
}

// ----- chat -----

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat broadcasts first, persists after. 전송이 저장을 기다리지 않는다.
func (h *RoomWSHandler) handleChat(s *wsSession, payload json.RawMessage) error {
	var req chatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed chat payload")
	}
	if req.Message == "" {
		return apperr.New(apperr.CodeValidation, "message is required")
	}
	if len(req.Message) > maxChatLength {
		cut := maxChatLength
		for cut > 0 && !utf8.RuneStart(req.Message[cut]) {
			cut--
		}
		req.Message = req.Message[:cut]
	}

	sentAt := time.Now()
	err := h.registry.Broadcast(s.roomID, room.EventChatMessage, room.ChatPayload{
		SenderID: s.userID,
		Nickname: s.nickname,
		Message:  req.Message,
		SentAt:   sentAt,
	}, s.userID)
	if err != nil {
		return err
	}

	if h.store != nil {
		h.store.SaveChat(s.sessionID, s.roomID, s.userID, s.nickname, req.Message, model.ChatTypeText)
	}
	return nil
}

// ----- presence -----

func (h *RoomWSHandler) handleMediaState(s *wsSession, payload json.RawMessage) error {
	var upd room.MediaStateUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed media-state payload")
	}
	_, err := h.registry.UpdateMediaState(s.roomID, s.userID, upd)
	return err
}

func (h *RoomWSHandler) handleRaiseHand(s *wsSession, _ json.RawMessage) error {
	return h.registry.RaiseHand(s.roomID, s.userID)
}

func (h *RoomWSHandler) handleLowerHand(s *wsSession, _ json.RawMessage) error {
	return h.registry.LowerHand(s.roomID, s.userID)
}

type qualityRequest struct {
	Quality string `json:"quality"`
}

func (h *RoomWSHandler) handleQuality(s *wsSession, payload json.RawMessage) error {
	var req qualityRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed connection-quality payload")
	}
	return h.registry.ReportConnectionQuality(s.roomID, s.userID, req.Quality)
}

// ----- questions -----

type questionRequest struct {
	QuestionID string `json:"questionId,omitempty"`
	Text       string `json:"text,omitempty"`
	Answer     string `json:"answer,omitempty"`
}

func (h *RoomWSHandler) handleQuestionAsked(s *wsSession, payload json.RawMessage) error {
	var req questionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed question payload")
	}
	if req.Text == "" {
		return apperr.New(apperr.CodeValidation, "question text is required")
	}
	return h.registry.Broadcast(s.roomID, room.EventQuestionAsked, room.QuestionPayload{
		QuestionID: uuid.NewString(),
		UserID:     s.userID,
		Nickname:   s.nickname,
		Text:       req.Text,
	}, s.userID)
}

func (h *RoomWSHandler) handleQuestionAnswered(s *wsSession, payload json.RawMessage) error {
	if !h.registry.IsHost(s.roomID, s.userID) {
		return apperr.New(apperr.CodePermission, "only the host can answer questions")
	}
	var req questionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed question payload")
	}
	if req.QuestionID == "" {
		return apperr.New(apperr.CodeValidation, "questionId is required")
	}
	return h.registry.Broadcast(s.roomID, room.EventQuestionAnswered, room.QuestionPayload{
		QuestionID: req.QuestionID,
		UserID:     s.userID,
		Answer:     req.Answer,
	}, s.userID)
}

// ----- whiteboard -----

type strokeStartRequest struct {
	StrokeID string           `json:"strokeId"`
	Tool     string           `json:"tool"`
	Style    whiteboard.Style `json:"style"`
	Start    whiteboard.Point `json:"start"`
}

func (h *RoomWSHandler) handleStrokeStart(s *wsSession, payload json.RawMessage) error {
	var req strokeStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed stroke payload")
	}
	_, err := h.board.StartStroke(s.roomID, req.StrokeID, s.userID, s.connID, req.Tool, req.Style, req.Start)
	return err
}

type strokeDrawRequest struct {
	StrokeID string             `json:"strokeId"`
	Points   []whiteboard.Point `json:"points"`
}

func (h *RoomWSHandler) handleStrokeDraw(s *wsSession, payload json.RawMessage) error {
	var req strokeDrawRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed stroke payload")
	}
	return h.board.AppendPoints(s.roomID, req.StrokeID, s.connID, req.Points)
}

type strokeRefRequest struct {
	StrokeID string `json:"strokeId"`
}

func (h *RoomWSHandler) handleStrokeEnd(s *wsSession, payload json.RawMessage) error {
	var req strokeRefRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed stroke payload")
	}
	_, err := h.board.EndStroke(s.roomID, req.StrokeID, s.connID)
	return err
}

func (h *RoomWSHandler) handleStrokeErase(s *wsSession, payload json.RawMessage) error {
	var req strokeRefRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed stroke payload")
	}
	return h.board.EraseStroke(s.roomID, req.StrokeID, s.userID, h.registry.IsHost(s.roomID, s.userID))
}

func (h *RoomWSHandler) handleWhiteboardClear(s *wsSession, _ json.RawMessage) error {
	return h.board.ClearRoom(s.roomID, s.userID, h.registry.IsHost(s.roomID, s.userID))
}

func (h *RoomWSHandler) handleUndo(s *wsSession, _ json.RawMessage) error {
	_, err := h.board.Undo(s.roomID, s.userID)
	return err
}

// ----- lifecycle -----

func (h *RoomWSHandler) handleLeave(s *wsSession, _ json.RawMessage) error {
	s.left = true
	return h.registry.Leave(s.roomID, s.userID)
}

func (h *RoomWSHandler) handleEndSession(s *wsSession, _ json.RawMessage) error {
	if err := h.registry.EndRoom(s.roomID, s.userID); err != nil {
		return err
	}
	s.left = true
	return nil
}

func (h *RoomWSHandler) handlePing(s *wsSession, _ json.RawMessage) error {
	return s.conn.Send(room.Envelope{Type: "pong", Version: room.SchemaVersion})
}
