package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"classroom-backend/internal/auth"
	"classroom-backend/internal/cache"
	"classroom-backend/internal/config"
	"classroom-backend/internal/handler"
	"classroom-backend/internal/reconnect"
	"classroom-backend/internal/room"
	"classroom-backend/internal/store"
	"classroom-backend/internal/whiteboard"
)

// Deps are the shared components the server routes traffic into. They are
// constructed in main and owned there; the server only wires them up.
type Deps struct {
	DB       *gorm.DB
	Redis    *cache.RedisClient
	Registry *room.Registry
	Board    *whiteboard.Log
	Tokens   *reconnect.Manager
	Store    *store.Store
}

// Server Fiber 서버 래퍼
type Server struct {
	app           *fiber.App
	cfg           *config.Config
	deps          Deps
	roomHandler   *handler.RoomHandler
	roomWSHandler *handler.RoomWSHandler
	pollHandler   *handler.PollHandler
	healthHandler *handler.HealthHandler
	jwtManager    *auth.JWTManager
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Classroom Realtime Gateway",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: false,
	})

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret)

	return &Server{
		app:           app,
		cfg:           cfg,
		deps:          deps,
		roomHandler:   handler.NewRoomHandler(deps.DB, deps.Registry, deps.Board, deps.Tokens, deps.Store),
		roomWSHandler: handler.NewRoomWSHandler(deps.Registry, deps.Board, deps.Tokens, deps.Store),
		pollHandler:   handler.NewPollHandler(deps.Redis, deps.Registry),
		healthHandler: handler.NewHealthHandler(deps.DB, deps.Redis),
		jwtManager:    jwtManager,
	}
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Asia/Seoul",
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Rate Limiter (룸 개설 남용 방지)
	openLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	authMW := auth.AuthMiddleware(s.jwtManager)

	// Session 라우트 (인증 필요)
	sessionGroup := s.app.Group("/api/sessions", authMW)
	sessionGroup.Post("/:sessionId/open", openLimiter, s.roomHandler.OpenRoom)

	// Room 라우트 (인증 필요)
	roomGroup := s.app.Group("/api/rooms", authMW)
	roomGroup.Get("/:roomId", s.roomHandler.GetRoom)
	roomGroup.Post("/:roomId/end", s.roomHandler.EndRoom)
	roomGroup.Get("/:roomId/whiteboard", s.roomHandler.GetWhiteboard)
	roomGroup.Get("/:roomId/chat/recent", s.roomHandler.GetRecentChat)
	roomGroup.Get("/:roomId/reconnect-token", s.roomHandler.GetReconnectToken)
	roomGroup.Post("/:roomId/kick/:userId", s.roomHandler.KickParticipant)

	// Poll 라우트 (룸 하위)
	roomGroup.Post("/:roomId/polls", s.pollHandler.CreatePoll)
	roomGroup.Get("/:roomId/polls/:id", s.pollHandler.GetPoll)
	roomGroup.Post("/:roomId/polls/:id/vote", s.pollHandler.Vote)
	roomGroup.Post("/:roomId/polls/:id/close", s.pollHandler.ClosePoll)

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// 라이브 룸 WebSocket 엔드포인트
	s.app.Get("/ws/rooms/:roomId", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		// JWT 검증 (헤더/쿠키/쿼리 파라미터)
		tokenString := auth.TokenFromRequest(c)
		if tokenString == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		claims, err := s.jwtManager.ValidateAccessToken(tokenString)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		roomID := c.Params("roomId")
		if roomID == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		// 룸 존재 확인은 Join에서 하지만, 명백한 오접속은 업그레이드 전에 거른다
		if _, _, err := s.deps.Registry.Snapshot(roomID); err != nil {
			return c.SendStatus(fiber.StatusNotFound)
		}

		c.Locals("roomID", roomID)
		c.Locals("userID", claims.UserID)
		c.Locals("nickname", claims.Nickname)

		return c.Next()
	}, websocket.New(s.roomWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Classroom Realtime Gateway starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/rooms/:roomId", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
