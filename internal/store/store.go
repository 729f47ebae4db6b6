package store

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"classroom-backend/internal/cache"
	"classroom-backend/internal/model"
	"classroom-backend/internal/room"
	"classroom-backend/internal/whiteboard"
)

// Store persists chat, whiteboard history, and session lifecycle writes on
// a background worker so the realtime path never blocks on the database.
// Writes here are best-effort: a dropped write loses history, not the live
// session.
type Store struct {
	db    *gorm.DB
	cache *cache.RedisClient

	jobs chan func(ctx context.Context)
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a store. db and cache may each be nil; affected writes are
// skipped with a log line.
func New(db *gorm.DB, rc *cache.RedisClient) *Store {
	return &Store{
		db:    db,
		cache: rc,
		jobs:  make(chan func(ctx context.Context), 512),
	}
}

// Start launches the worker goroutine.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Store) run() {
	defer s.wg.Done()
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job(ctx)
		cancel()
	}
}

// Close stops accepting jobs and waits for queued writes to finish.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.jobs)
	})
	s.wg.Wait()
}

// enqueue hands a job to the worker; full queue drops the write.
func (s *Store) enqueue(name string, job func(ctx context.Context)) {
	select {
	case s.jobs <- job:
	default:
		log.Printf("[Store] job queue full, dropping %s", name)
	}
}

// SaveChat records a chat message in Postgres and in the room's recent
// history cache.
func (s *Store) SaveChat(sessionID int64, roomID string, senderID int64, nickname, message string, chatType model.ChatType) {
	sentAt := time.Now()
	s.enqueue("chat", func(ctx context.Context) {
		if s.db != nil {
			entry := model.ChatLog{
				SessionID: sessionID,
				RoomID:    roomID,
				SenderID:  senderID,
				Nickname:  nickname,
				Message:   message,
				Type:      chatType.String(),
			}
			if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
				log.Printf("[Store] failed to save chat for room %s: %v", roomID, err)
			}
		}
		if s.cache != nil {
			err := s.cache.AddChatMessage(ctx, roomID, &cache.ChatEntry{
				RoomID:    roomID,
				SenderID:  senderID,
				Nickname:  nickname,
				Message:   message,
				Type:      chatType.String(),
				Timestamp: sentAt,
			})
			if err != nil {
				log.Printf("[Store] failed to cache chat for room %s: %v", roomID, err)
			}
		}
	})
}

// SaveStroke archives a finalized whiteboard stroke.
func (s *Store) SaveStroke(st whiteboard.Stroke) {
	if s.db == nil {
		return
	}
	s.enqueue("stroke", func(ctx context.Context) {
		data, err := json.Marshal(st)
		if err != nil {
			log.Printf("[Store] failed to encode stroke %s: %v", st.ID, err)
			return
		}
		rec := model.WhiteboardStrokeRecord{
			RoomID:     st.RoomID,
			StrokeID:   st.ID,
			UserID:     st.UserID,
			Seq:        st.Seq,
			Tool:       st.Tool,
			StrokeData: string(data),
		}
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			log.Printf("[Store] failed to save stroke %s: %v", st.ID, err)
		}
	})
}

// MarkStrokeDeleted tombstones an archived stroke.
func (s *Store) MarkStrokeDeleted(roomID, strokeID string) {
	if s.db == nil {
		return
	}
	s.enqueue("stroke-delete", func(ctx context.Context) {
		now := time.Now()
		err := s.db.WithContext(ctx).
			Model(&model.WhiteboardStrokeRecord{}).
			Where("room_id = ? AND stroke_id = ?", roomID, strokeID).
			Updates(map[string]interface{}{"is_deleted": true, "deleted_at": now}).Error
		if err != nil {
			log.Printf("[Store] failed to tombstone stroke %s: %v", strokeID, err)
		}
	})
}

// ClearStrokes tombstones every archived stroke for a room.
func (s *Store) ClearStrokes(roomID string) {
	if s.db == nil {
		return
	}
	s.enqueue("stroke-clear", func(ctx context.Context) {
		now := time.Now()
		err := s.db.WithContext(ctx).
			Model(&model.WhiteboardStrokeRecord{}).
			Where("room_id = ? AND is_deleted = ?", roomID, false).
			Updates(map[string]interface{}{"is_deleted": true, "deleted_at": now}).Error
		if err != nil {
			log.Printf("[Store] failed to clear strokes for room %s: %v", roomID, err)
		}
	})
}

// SessionStarted stamps the session LIVE when the first participant joins.
func (s *Store) SessionStarted(sessionID int64, startedAt time.Time) {
	if s.db == nil {
		return
	}
	s.enqueue("session-start", func(ctx context.Context) {
		err := s.db.WithContext(ctx).
			Model(&model.ClassSession{}).
			Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"status":     model.SessionStatusLive.String(),
				"started_at": startedAt,
			}).Error
		if err != nil {
			log.Printf("[Store] failed to mark session %d live: %v", sessionID, err)
		}
	})
}

// SessionEnded writes the final session record and drops the room's cached
// state.
func (s *Store) SessionEnded(ended room.EndedRoom) {
	s.enqueue("session-end", func(ctx context.Context) {
		if s.db != nil {
			err := s.db.WithContext(ctx).
				Model(&model.ClassSession{}).
				Where("id = ?", ended.SessionID).
				Updates(map[string]interface{}{
					"status":           model.SessionStatusEnded.String(),
					"ended_at":         ended.EndedAt,
					"duration_seconds": ended.DurationSeconds,
				}).Error
			if err != nil {
				log.Printf("[Store] failed to finalize session %d: %v", ended.SessionID, err)
			}
		}
		if s.cache != nil {
			if err := s.cache.DeleteRoom(ctx, ended.RoomID); err != nil {
				log.Printf("[Store] failed to drop cache for room %s: %v", ended.RoomID, err)
			}
		}
	})
}

// RecentChat reads the cached chat history synchronously; reads don't go
// through the worker.
func (s *Store) RecentChat(ctx context.Context, roomID string, count int64) ([]cache.ChatEntry, error) {
	if s.cache == nil {
		return []cache.ChatEntry{}, nil
	}
	return s.cache.RecentMessages(ctx, roomID, count)
}
