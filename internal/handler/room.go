package handler

import (
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"classroom-backend/internal/apperr"
	"classroom-backend/internal/auth"
	"classroom-backend/internal/model"
	"classroom-backend/internal/reconnect"
	"classroom-backend/internal/room"
	"classroom-backend/internal/store"
	"classroom-backend/internal/whiteboard"
)

// RoomHandler 룸 REST 핸들러
type RoomHandler struct {
	db       *gorm.DB
	registry *room.Registry
	board    *whiteboard.Log
	tokens   *reconnect.Manager
	store    *store.Store
}

// NewRoomHandler RoomHandler 생성
func NewRoomHandler(db *gorm.DB, registry *room.Registry, board *whiteboard.Log, tokens *reconnect.Manager, st *store.Store) *RoomHandler {
	return &RoomHandler{
		db:       db,
		registry: registry,
		board:    board,
		tokens:   tokens,
		store:    st,
	}
}

// respondError maps a coded error onto an HTTP status and JSON body.
func respondError(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	return c.Status(apperr.HTTPStatus(code)).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

// OpenRoom 세션에 대한 라이브 룸 개설 (호스트 전용)
// POST /api/sessions/:sessionId/open
func (h *RoomHandler) OpenRoom(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	sessionID, err := strconv.ParseInt(c.Params("sessionId"), 10, 64)
	if err != nil {
		return respondError(c, apperr.New(apperr.CodeValidation, "invalid session id"))
	}

	var session model.ClassSession
	if err := h.db.First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, apperr.Newf(apperr.CodeNotFound, "session %d not found", sessionID))
		}
		log.Printf("[RoomHandler] session lookup failed: %v", err)
		return respondError(c, apperr.New(apperr.CodeTransient, "failed to load session"))
	}

	if session.HostID != claims.UserID {
		return respondError(c, apperr.New(apperr.CodePermission, "only the session host can open the room"))
	}
	if session.Status == model.SessionStatusEnded.String() {
		return respondError(c, apperr.New(apperr.CodeConflict, "session has already ended"))
	}

	info, err := h.registry.OpenRoom(session.ID, session.HostID, session.MaxParticipants)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"room": info,
	})
}

// EndRoom 룸 종료 (호스트 전용)
// POST /api/rooms/:roomId/end
func (h *RoomHandler) EndRoom(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	roomID := c.Params("roomId")

	if err := h.registry.EndRoom(roomID, claims.UserID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "room ended",
	})
}

// GetRoom 룸 스냅샷 + 활성 로스터
// GET /api/rooms/:roomId
func (h *RoomHandler) GetRoom(c *fiber.Ctx) error {
	roomID := c.Params("roomId")

	info, roster, err := h.registry.Snapshot(roomID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"room":   info,
		"roster": roster,
	})
}

// GetWhiteboard 화이트보드 리플레이 (순서대로 적용하면 동일한 캔버스 재현)
// GET /api/rooms/:roomId/whiteboard
func (h *RoomHandler) GetWhiteboard(c *fiber.Ctx) error {
	roomID := c.Params("roomId")

	if _, _, err := h.registry.Snapshot(roomID); err != nil {
		return respondError(c, err)
	}
	strokes := h.board.Replay(roomID)
	return c.JSON(fiber.Map{
		"strokes": strokes,
		"total":   len(strokes),
	})
}

// GetRecentChat 최근 채팅 (Redis 캐시)
// GET /api/rooms/:roomId/chat/recent
func (h *RoomHandler) GetRecentChat(c *fiber.Ctx) error {
	roomID := c.Params("roomId")

	count := int64(c.QueryInt("count", 50))
	if count <= 0 || count > 200 {
		count = 50
	}

	entries, err := h.store.RecentChat(c.Context(), roomID, count)
	if err != nil {
		log.Printf("[RoomHandler] failed to read chat cache for room %s: %v", roomID, err)
		return respondError(c, apperr.New(apperr.CodeTransient, "chat history unavailable"))
	}
	return c.JSON(fiber.Map{
		"messages": entries,
		"total":    len(entries),
	})
}

// GetReconnectToken 재접속 토큰 조회
// 끊긴 소켓으로는 토큰을 전달할 수 없으므로, 클라이언트는 인증된 REST로
// 자신의 미사용 토큰을 다시 가져간다.
// GET /api/rooms/:roomId/reconnect-token
func (h *RoomHandler) GetReconnectToken(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	roomID := c.Params("roomId")

	t, ok := h.tokens.OutstandingFor(roomID, claims.UserID)
	if !ok {
		return respondError(c, apperr.New(apperr.CodeNotFound, "no outstanding reconnect token"))
	}
	return c.JSON(t)
}

// KickParticipant 참가자 강제 퇴장 (호스트 전용)
// POST /api/rooms/:roomId/kick/:userId
func (h *RoomHandler) KickParticipant(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	roomID := c.Params("roomId")
	targetID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return respondError(c, apperr.New(apperr.CodeValidation, "invalid user id"))
	}

	if err := h.registry.Kick(roomID, claims.UserID, targetID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "participant removed",
	})
}
