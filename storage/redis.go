package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sentinel/core"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis gateway
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	PoolSize          int
	KeyPrefix         string
	MaxArchivedEvents int64
}

// RedisGateway stores artifacts in Redis. Block records carry a native TTL so
// Redis forgets them on its own; archived events are msgpack-encoded into a
// capped list.
type RedisGateway struct {
	client *redis.Client
	prefix string
	// maxEvents caps the archived event list
	maxEvents int64
	logger    *zap.SugaredLogger
}

// NewRedisGateway connects to Redis and verifies the connection
func NewRedisGateway(ctx context.Context, cfg RedisConfig, logger *zap.SugaredLogger) (*RedisGateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sentinel"
	}
	maxEvents := cfg.MaxArchivedEvents
	if maxEvents <= 0 {
		maxEvents = 100000
	}

	logger.Infof("Connected to Redis at %s", cfg.Addr)
	return &RedisGateway{
		client:    client,
		prefix:    prefix,
		maxEvents: maxEvents,
		logger:    logger,
	}, nil
}

func (r *RedisGateway) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// SaveBlock stores the record under its own key with a TTL matching the block
// lifetime and indexes it by expiry
func (r *RedisGateway) SaveBlock(ctx context.Context, rec *core.BlockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal block %s: %w", rec.ID, err)
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("block %s has no lifetime", rec.ID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("block", rec.ID), data, ttl)
		pipe.ZAdd(ctx, r.key("blocks"), redis.Z{
			Score:  float64(rec.ExpiresAt.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save block %s: %w", rec.ID, err)
	}
	return nil
}

// SaveAlert stores the alert unless one exists for the same (event, rule)
func (r *RedisGateway) SaveAlert(ctx context.Context, alert *core.SecurityAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}
	if err := r.client.HSetNX(ctx, r.key("alerts"), alert.DedupKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}
	return nil
}

// SaveUser upserts the user's record
func (r *RedisGateway) SaveUser(ctx context.Context, rec *core.UserRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", rec.UserID, err)
	}
	if err := r.client.HSet(ctx, r.key("users"), rec.UserID, data).Err(); err != nil {
		return fmt.Errorf("failed to save user %s: %w", rec.UserID, err)
	}
	return nil
}

// ArchiveEvent pushes the msgpack-encoded event onto the capped archive list
func (r *RedisGateway) ArchiveEvent(ctx context.Context, event *core.SecurityEvent) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key("events"), data)
		pipe.LTrim(ctx, r.key("events"), 0, r.maxEvents-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive event %s: %w", event.ID, err)
	}
	return nil
}

// LoadActiveBlocks returns the blocks active at now. Index entries whose
// expiry has passed are pruned.
func (r *RedisGateway) LoadActiveBlocks(ctx context.Context, now time.Time) ([]*core.BlockRecord, error) {
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	if err := r.client.ZRemRangeByScore(ctx, r.key("blocks"), "-inf", nowMs).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune block index: %w", err)
	}

	ids, err := r.client.ZRangeByScore(ctx, r.key("blocks"), &redis.ZRangeBy{
		Min: "(" + nowMs,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query block index: %w", err)
	}

	blocks := make([]*core.BlockRecord, 0, len(ids))
	if len(ids) == 0 {
		return blocks, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key("block", id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// key expired between the index read and MGET
			continue
		}
		var rec core.BlockRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			r.logger.Warnw("Skipping undecodable block record", "id", ids[i], "error", err)
			continue
		}
		if rec.IsActiveAt(now) {
			blocks = append(blocks, &rec)
		}
	}
	return blocks, nil
}

// LoadQuarantinedUsers returns every quarantined user
func (r *RedisGateway) LoadQuarantinedUsers(ctx context.Context) ([]*core.UserRecord, error) {
	all, err := r.client.HGetAll(ctx, r.key("users")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	users := make([]*core.UserRecord, 0)
	for id, data := range all {
		var rec core.UserRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.logger.Warnw("Skipping undecodable user record", "user_id", id, "error", err)
			continue
		}
		if rec.Status == core.UserStatusQuarantined {
			users = append(users, &rec)
		}
	}
	return users, nil
}

// GetUser returns the stored record, or (nil, false, nil) if absent
func (r *RedisGateway) GetUser(ctx context.Context, userID string) (*core.UserRecord, bool, error) {
	data, err := r.client.HGet(ctx, r.key("users"), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	var rec core.UserRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode user %s: %w", userID, err)
	}
	return &rec, true, nil
}

// RecentEvents returns up to n archived events, newest first
func (r *RedisGateway) RecentEvents(ctx context.Context, n int64) ([]*core.SecurityEvent, error) {
	raw, err := r.client.LRange(ctx, r.key("events"), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read archived events: %w", err)
	}
	events := make([]*core.SecurityEvent, 0, len(raw))
	for _, item := range raw {
		event, err := decodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Ping tests the Redis connection
func (r *RedisGateway) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisGateway) Close() error {
	return r.client.Close()
}

// encodeEvent uses the json field names so archived events read the same
// across backends
func encodeEvent(event *core.SecurityEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(event); err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeEvent(data []byte) (*core.SecurityEvent, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var event core.SecurityEvent
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode archived event: %w", err)
	}
	return &event, nil
}
