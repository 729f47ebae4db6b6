package main

import (
	"log"
	"time"

	"classroom-backend/internal/cache"
	"classroom-backend/internal/config"
	"classroom-backend/internal/database"
	"classroom-backend/internal/reconnect"
	"classroom-backend/internal/room"
	"classroom-backend/internal/server"
	"classroom-backend/internal/store"
	"classroom-backend/internal/whiteboard"
)

func main() {
	// 설정 로드
	cfg := config.Load()

	// 데이터베이스 연결
	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer database.Close(db)

	if err := database.Ping(db); err != nil {
		log.Fatalf("❌ Database ping failed: %v", err)
	}
	log.Printf("✅ Database connected successfully")

	// Redis 연결 (선택적: 없으면 채팅 캐시와 투표가 비활성화된다)
	var redisClient *cache.RedisClient
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			log.Printf("⚠️ Redis connection failed: %v (chat cache and polls disabled)", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// ICE 서버 목록
	iceServers, err := room.ParseICEServers(cfg.ICE.ServersJSON)
	if err != nil {
		log.Fatalf("❌ Invalid ICE_SERVERS: %v", err)
	}

	// 비동기 영속화 워커
	st := store.New(db, redisClient)
	st.Start()
	defer st.Close()

	// 룸 레지스트리
	registry := room.NewRegistry(room.Config{
		GraceWindow:    cfg.Room.GraceWindow,
		DispatchBuffer: cfg.Room.DispatchBuffer,
	}, iceServers)

	// 화이트보드 로그 (브로드캐스트는 레지스트리, 보관은 스토어)
	board := whiteboard.NewLog(registry, st)

	// 재접속 토큰 매니저
	tokens := reconnect.NewManager(registry, cfg.Room.ReconnectTTL)

	// 룸 종료 시: 세션 레코드 마감, 화이트보드/토큰/캐시 정리
	registry.SetHooks(room.Hooks{
		RoomStarted: st.SessionStarted,
		RoomEnded: func(ended room.EndedRoom) {
			st.SessionEnded(ended)
			board.DropRoom(ended.RoomID)
		},
		InvalidateTokens: tokens.InvalidateRoom,
	})

	// 만료 토큰 청소
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				tokens.Sweep()
			}
		}
	}()
	defer close(sweepDone)

	// 서버 생성 및 설정
	srv := server.New(cfg, server.Deps{
		DB:       db,
		Redis:    redisClient,
		Registry: registry,
		Board:    board,
		Tokens:   tokens,
		Store:    st,
	})
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// 서버 시작
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	// Listen이 반환되면 셧다운 중: 열려 있는 룸을 정리한다
	registry.Shutdown()
}
