package model

// SessionStatus 세션 상태
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	SessionStatusLive      SessionStatus = "LIVE"
	SessionStatusEnded     SessionStatus = "ENDED"
)

func (s SessionStatus) String() string {
	return string(s)
}

// ChatType 채팅 메시지 타입
type ChatType string

const (
	ChatTypeText ChatType = "TEXT"
)

func (t ChatType) String() string {
	return string(t)
}
