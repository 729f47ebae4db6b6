package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChatEntry is one chat message kept in the room's recent-history list so
// late joiners and reconnecting clients can catch up without hitting the DB.
type ChatEntry struct {
	RoomID    string    `json:"roomId"`
	SenderID  int64     `json:"senderId"`
	Nickname  string    `json:"nickname"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisClient wraps the Redis client for chat history and poll state
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

// AddChatMessage appends a chat message to the room's history list
func (r *RedisClient) AddChatMessage(ctx context.Context, roomID string, e *ChatEntry) error {
	key := "room:" + roomID + ":chat"
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	// RPUSH to append to list
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		log.Printf("[Redis] Failed to add chat message: %v", err)
		return err
	}

	// TTL refresh on every write (24 hours)
	r.client.Expire(ctx, key, 24*time.Hour)

	return nil
}

// RecentMessages retrieves the last N chat messages for a room
func (r *RedisClient) RecentMessages(ctx context.Context, roomID string, count int64) ([]ChatEntry, error) {
	key := "room:" + roomID + ":chat"

	results, err := r.client.LRange(ctx, key, -count, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]ChatEntry, 0, len(results))
	for _, data := range results {
		var e ChatEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// DeleteRoom removes all cached state for a room (chat history plus any
// poll keys registered under the room's key set)
func (r *RedisClient) DeleteRoom(ctx context.Context, roomID string) error {
	keys, err := r.client.SMembers(ctx, "room:"+roomID+":keys").Result()
	if err == nil && len(keys) > 0 {
		r.client.Del(ctx, keys...)
	}
	return r.client.Del(ctx, "room:"+roomID+":chat", "room:"+roomID+":keys").Err()
}

// TrackRoomKey registers a key for cleanup when the room ends
func (r *RedisClient) TrackRoomKey(ctx context.Context, roomID, key string) error {
	return r.client.SAdd(ctx, "room:"+roomID+":keys", key).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Health checks if Redis is healthy
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Generic Redis Operations

// Set sets a key-value pair with expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Get gets a value by key
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// Expire sets a TTL on an existing key
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// HGetAll gets all fields and values from a hash
func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

// HIncrBy increments the integer value of a hash field by the given number
func (r *RedisClient) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return r.client.HIncrBy(ctx, key, field, incr).Result()
}

// SAdd adds one or more members to a set
func (r *RedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SAdd(ctx, key, members...).Err()
}

// SIsMember checks if a member exists in a set
func (r *RedisClient) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

// SRem removes one or more members from a set
func (r *RedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SRem(ctx, key, members...).Err()
}
