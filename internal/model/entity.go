package model

import (
	"time"
)

// ClassSession 수업 세션 (룸 생성의 근거가 되는 영속 레코드)
type ClassSession struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ClassID         int64      `gorm:"not null;index" json:"class_id"`
	HostID          int64      `gorm:"not null" json:"host_id"`
	Title           string     `gorm:"type:varchar(200);not null" json:"title"`
	Status          string     `gorm:"type:varchar(20);default:'SCHEDULED'" json:"status"` // SCHEDULED, LIVE, ENDED
	MaxParticipants int        `gorm:"default:30" json:"max_participants"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	ChatLogs []ChatLog `gorm:"foreignKey:SessionID" json:"chat_logs,omitempty"`
}

func (ClassSession) TableName() string {
	return "class_sessions"
}

// ChatLog 채팅 로그 (브로드캐스트 후 비동기 저장, best-effort)
type ChatLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID int64     `gorm:"not null;index" json:"session_id"`
	RoomID    string    `gorm:"type:varchar(64);index" json:"room_id"`
	SenderID  int64     `gorm:"not null" json:"sender_id"`
	Nickname  string    `gorm:"type:varchar(100)" json:"nickname"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Type      string    `gorm:"type:varchar(20);default:'TEXT'" json:"type"` // TEXT, SYSTEM
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Session ClassSession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
}

func (ChatLog) TableName() string {
	return "chat_logs"
}
