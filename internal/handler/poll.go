package handler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"classroom-backend/internal/apperr"
	"classroom-backend/internal/auth"
	"classroom-backend/internal/cache"
	"classroom-backend/internal/room"
)

// PollHandler 룸 단위 실시간 투표 핸들러 (상태는 Redis에 보관)
type PollHandler struct {
	redis    *cache.RedisClient
	registry *room.Registry
}

func NewPollHandler(redis *cache.RedisClient, registry *room.Registry) *PollHandler {
	return &PollHandler{redis: redis, registry: registry}
}

type CreatePollRequest struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Duration    int64    `json:"duration"` // ms, 0 = no expiry
	IsAnonymous bool     `json:"isAnonymous"`
}

type PollData struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	IsAnonymous bool     `json:"isAnonymous"`
	CreatedAt   int64    `json:"createdAt"`
	ExpiresAt   int64    `json:"expiresAt"`
	CreatedBy   int64    `json:"createdBy"`
	IsClosed    bool     `json:"isClosed"`
}

type VoteRequest struct {
	OptionIndex int `json:"optionIndex"`
}

func pollMetaKey(pollID string) string  { return "poll:" + pollID + ":meta" }
func pollVotesKey(pollID string) string { return "poll:" + pollID + ":votes" }
func pollVotedKey(pollID string) string { return "poll:" + pollID + ":voted_users" }

// CreatePoll 투표 생성 (호스트 전용), 생성 즉시 룸에 poll-created 브로드캐스트
// POST /api/rooms/:roomId/polls
func (h *PollHandler) CreatePoll(c *fiber.Ctx) error {
	ctx := c.UserContext()
	if h.redis == nil {
		return respondError(c, apperr.New(apperr.CodeTransient, "poll storage unavailable"))
	}

	claims := c.Locals("claims").(*auth.Claims)
	roomID := c.Params("roomId")

	if !h.registry.IsHost(roomID, claims.UserID) {
		return respondError(c, apperr.New(apperr.CodePermission, "only the host can create polls"))
	}

	var req CreatePollRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.New(apperr.CodeValidation, "invalid request body"))
	}
	if req.Question == "" || len(req.Options) < 2 {
		return respondError(c, apperr.New(apperr.CodeValidation, "question and at least two options are required"))
	}

	now := time.Now().UnixMilli()
	expiresAt := int64(0)
	if req.Duration > 0 {
		expiresAt = now + req.Duration
	}

	poll := PollData{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Question:    req.Question,
		Options:     req.Options,
		IsAnonymous: req.IsAnonymous,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		CreatedBy:   claims.UserID,
	}

	data, _ := json.Marshal(poll)
	ttl := 24 * time.Hour
	if req.Duration > 0 {
		ttl += time.Duration(req.Duration) * time.Millisecond
	}

	if err := h.redis.Set(ctx, pollMetaKey(poll.ID), string(data), ttl); err != nil {
		return respondError(c, apperr.New(apperr.CodeTransient, "failed to save poll"))
	}
	// 룸 종료 시 일괄 삭제를 위해 키 등록
	h.redis.TrackRoomKey(ctx, roomID, pollMetaKey(poll.ID))
	h.redis.TrackRoomKey(ctx, roomID, pollVotesKey(poll.ID))
	h.redis.TrackRoomKey(ctx, roomID, pollVotedKey(poll.ID))

	if err := h.registry.Broadcast(roomID, room.EventPollCreated, poll, claims.UserID); err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(poll)
}

// GetPoll 투표 현황 조회
// GET /api/rooms/:roomId/polls/:id
func (h *PollHandler) GetPoll(c *fiber.Ctx) error {
	ctx := c.UserContext()
	pollID := c.Params("id")

	poll, err := h.loadPoll(c, pollID)
	if err != nil {
		return respondError(c, err)
	}

	counts, err := h.redis.HGetAll(ctx, pollVotesKey(pollID))
	if err != nil {
		counts = make(map[string]string)
	}
	voteCounts := make(map[int]int)
	for k, v := range counts {
		var idx, count int
		fmt.Sscanf(k, "%d", &idx)
		fmt.Sscanf(v, "%d", &count)
		voteCounts[idx] = count
	}

	return c.JSON(fiber.Map{
		"poll":  poll,
		"votes": voteCounts,
	})
}

// Vote 투표 (1인 1표, 중복은 Conflict)
// POST /api/rooms/:roomId/polls/:id/vote
func (h *PollHandler) Vote(c *fiber.Ctx) error {
	ctx := c.UserContext()
	claims := c.Locals("claims").(*auth.Claims)
	pollID := c.Params("id")

	var req VoteRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.New(apperr.CodeValidation, "invalid request body"))
	}

	poll, err := h.loadPoll(c, pollID)
	if err != nil {
		return respondError(c, err)
	}
	if poll.IsClosed {
		return respondError(c, apperr.New(apperr.CodeExpired, "poll is closed"))
	}
	if poll.ExpiresAt > 0 && time.Now().UnixMilli() > poll.ExpiresAt {
		return respondError(c, apperr.New(apperr.CodeExpired, "poll has expired"))
	}
	if req.OptionIndex < 0 || req.OptionIndex >= len(poll.Options) {
		return respondError(c, apperr.New(apperr.CodeValidation, "option index out of range"))
	}

	voterKey := fmt.Sprintf("%d", claims.UserID)
	votedKey := pollVotedKey(pollID)
	isMember, err := h.redis.SIsMember(ctx, votedKey, voterKey)
	if err != nil {
		return respondError(c, apperr.New(apperr.CodeTransient, "vote check failed"))
	}
	if isMember {
		return respondError(c, apperr.New(apperr.CodeConflict, "already voted"))
	}

	h.redis.SAdd(ctx, votedKey, voterKey)
	newCount, err := h.redis.HIncrBy(ctx, pollVotesKey(pollID), fmt.Sprintf("%d", req.OptionIndex), 1)
	if err != nil {
		// 카운트 실패 시 투표 기록도 되돌린다
		h.redis.SRem(ctx, votedKey, voterKey)
		return respondError(c, apperr.New(apperr.CodeTransient, "failed to count vote"))
	}

	// 집계 변동을 룸 전체에 알린다 (익명 여부와 무관하게 카운트만)
	h.registry.Broadcast(poll.RoomID, room.EventPollResult, fiber.Map{
		"pollId":      pollID,
		"optionIndex": req.OptionIndex,
		"count":       newCount,
	}, 0)

	return c.JSON(fiber.Map{
		"success":     true,
		"pollId":      pollID,
		"optionIndex": req.OptionIndex,
		"newCount":    newCount,
	})
}

// ClosePoll 투표 마감 (생성자 전용), 마감 결과를 poll-result로 브로드캐스트
// POST /api/rooms/:roomId/polls/:id/close
func (h *PollHandler) ClosePoll(c *fiber.Ctx) error {
	ctx := c.UserContext()
	claims := c.Locals("claims").(*auth.Claims)
	pollID := c.Params("id")

	poll, err := h.loadPoll(c, pollID)
	if err != nil {
		return respondError(c, err)
	}
	if poll.CreatedBy != claims.UserID {
		return respondError(c, apperr.New(apperr.CodePermission, "only the creator can close the poll"))
	}

	poll.IsClosed = true
	data, _ := json.Marshal(poll)
	if err := h.redis.Set(ctx, pollMetaKey(pollID), string(data), 24*time.Hour); err != nil {
		return respondError(c, apperr.New(apperr.CodeTransient, "failed to close poll"))
	}

	h.registry.Broadcast(poll.RoomID, room.EventPollResult, fiber.Map{
		"pollId": pollID,
		"closed": true,
	}, 0)

	return c.JSON(fiber.Map{"success": true})
}

func (h *PollHandler) loadPoll(c *fiber.Ctx, pollID string) (*PollData, error) {
	if h.redis == nil {
		return nil, apperr.New(apperr.CodeTransient, "poll storage unavailable")
	}
	if pollID == "" {
		return nil, apperr.New(apperr.CodeValidation, "poll id is required")
	}
	val, err := h.redis.Get(c.UserContext(), pollMetaKey(pollID))
	if err != nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "poll %s not found", pollID)
	}
	var poll PollData
	if err := json.Unmarshal([]byte(val), &poll); err != nil {
		return nil, apperr.New(apperr.CodeTransient, "corrupt poll record")
	}
	if roomID := c.Params("roomId"); roomID != "" && poll.RoomID != roomID {
		return nil, apperr.Newf(apperr.CodeNotFound, "poll %s not found", pollID)
	}
	return &poll, nil
}
