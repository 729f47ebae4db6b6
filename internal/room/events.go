package room

import (
	"encoding/json"
	"time"
)

// SchemaVersion 클라이언트로 나가는 모든 이벤트 페이로드의 스키마 버전
const SchemaVersion = 1

// Client-facing event names.
const (
	EventUserJoined        = "user-joined"
	EventUserReconnected   = "user-reconnected"
	EventUserLeft          = "user-left"
	EventSignal            = "signal"
	EventMediaStateUpdated = "media-state-updated"
	EventHandRaised        = "hand-raised"
	EventHandLowered       = "hand-lowered"
	EventChatMessage       = "chat-message"
	EventPollCreated       = "poll-created"
	EventPollResult        = "poll-result"
	EventQuestionAsked     = "question-asked"
	EventQuestionAnswered  = "question-answered"
	EventSessionEnded      = "session-ended"
	EventStrokeStart       = "whiteboard-stroke-start"
	EventStrokeDraw        = "whiteboard-stroke-draw"
	EventStrokeEnd         = "whiteboard-stroke-end"
	EventStrokeErase       = "whiteboard-stroke-erase"
	EventWhiteboardClear   = "whiteboard-clear"
)

// Envelope is the wire format for every event sent to a client.
type Envelope struct {
	Type    string `json:"type"`
	Version int    `json:"v"`
	Payload any    `json:"payload,omitempty"`
}

func newEvent(event string, payload any) Envelope {
	return Envelope{Type: event, Version: SchemaVersion, Payload: payload}
}

// Sender delivers envelopes to a single client connection.
// Implementations must be safe for concurrent use; Send may block on I/O.
type Sender interface {
	Send(msg Envelope) error
	Close() error
}

// SignalType WebRTC 시그널 종류
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// SignalMessage is relayed between exactly one participant pair and is
// never persisted.
type SignalMessage struct {
	FromUserID int64           `json:"fromUserId"`
	ToUserID   int64           `json:"toUserId"`
	Type       SignalType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// UserEventPayload 입퇴장/손들기 이벤트 페이로드
type UserEventPayload struct {
	UserID   int64  `json:"userId"`
	Nickname string `json:"nickname,omitempty"`
}

// MediaEventPayload media-state-updated 페이로드
type MediaEventPayload struct {
	UserID int64      `json:"userId"`
	Media  MediaState `json:"mediaState"`
}

// SessionEndedPayload session-ended 페이로드
type SessionEndedPayload struct {
	RoomID    string    `json:"roomId"`
	SessionID int64     `json:"sessionId"`
	EndedBy   int64     `json:"endedBy"`
	EndedAt   time.Time `json:"endedAt"`
}

// ChatPayload 채팅 메시지 페이로드
type ChatPayload struct {
	SenderID int64     `json:"senderId"`
	Nickname string    `json:"nickname"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}

// QuestionPayload question-asked / question-answered 페이로드
type QuestionPayload struct {
	QuestionID string `json:"questionId"`
	UserID     int64  `json:"userId"`
	Nickname   string `json:"nickname,omitempty"`
	Text       string `json:"text,omitempty"`
	Answer     string `json:"answer,omitempty"`
}
