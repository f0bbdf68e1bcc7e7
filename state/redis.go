package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisState keeps the bootstrap record under one key per bot.
type RedisState struct {
	rdb   *redis.Client
	botID uuid.UUID
}

// NewRedisState creates a Redis-backed state for one bot.
func NewRedisState(rdb *redis.Client, botID uuid.UUID) *RedisState {
	return &RedisState{rdb: rdb, botID: botID}
}

func (r *RedisState) key() string {
	return fmt.Sprintf("state_%s", r.botID)
}

func (r *RedisState) Save(state *BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(context.Background(), r.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", r.botID, err)
	}
	return nil
}

func (r *RedisState) Get() (*BotState, error) {
	data, err := r.rdb.Get(context.Background(), r.key()).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingState, r.botID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch state for %s: %w", r.botID, err)
	}

	var state BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", r.botID, err)
	}
	return &state, nil
}

func (r *RedisState) Remove() error {
	if err := r.rdb.Del(context.Background(), r.key()).Err(); err != nil {
		return fmt.Errorf("failed to remove state for %s: %w", r.botID, err)
	}
	return nil
}
