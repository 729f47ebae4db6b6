package model

import (
	"time"
)

// WhiteboardStrokeRecord 화이트보드 획 영속 레코드
// 시퀀스 번호가 룸 내 재생 순서를 결정하며, 삭제는 tombstone으로만 표시한다.
type WhiteboardStrokeRecord struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID     string     `gorm:"type:varchar(64);not null;index:idx_room_seq" json:"room_id"`
	StrokeID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"stroke_id"`
	UserID     int64      `gorm:"not null" json:"user_id"`
	Seq        int64      `gorm:"not null;index:idx_room_seq" json:"seq"`
	Tool       string     `gorm:"type:varchar(20)" json:"tool"`
	StrokeData string     `gorm:"type:jsonb;not null" json:"stroke_data"` // style + points/shape payload
	IsDeleted  bool       `gorm:"default:false;index" json:"is_deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (WhiteboardStrokeRecord) TableName() string {
	return "whiteboard_strokes"
}
