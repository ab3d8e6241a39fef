package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/yardops/internal/model"
)

// recordFailureScript は失敗カウンタを加算し、閾値到達時にカウンタを消してロックキーを設定する。
// KEYS[1]=counter KEYS[2]=lock ARGV[1]=threshold ARGV[2]=until(ms) ARGV[3]=lockout(ms)
var recordFailureScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n >= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
  return {n, ARGV[2]}
end
return {n, ''}
`)

// RedisAttemptStore はRedisで失敗状態を保持するAttemptStore。
// ロックキーはTTLで自然に消えるため、期限切れロックの解除は不要。
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisAttemptStore はRedisAttemptStoreを生成する。
func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	if prefix == "" {
		prefix = "yardops:login"
	}
	return &RedisAttemptStore{client: client, prefix: prefix}
}

func (s *RedisAttemptStore) counterKey(userID string) string {
	return s.prefix + ":fail:" + userID
}

func (s *RedisAttemptStore) lockKey(userID string) string {
	return s.prefix + ":lock:" + userID
}

// State は現在の失敗回数とロック期限を返す。
func (s *RedisAttemptStore) State(ctx context.Context, user *model.User) (AttemptState, error) {
	pipe := s.client.Pipeline()
	failCmd := pipe.Get(ctx, s.counterKey(user.ID))
	lockCmd := pipe.Get(ctx, s.lockKey(user.ID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return AttemptState{}, fmt.Errorf("failed to read attempt state: %w", err)
	}

	var state AttemptState
	if n, err := failCmd.Int(); err == nil {
		state.Failures = n
	}
	if raw, err := lockCmd.Result(); err == nil {
		until, err := parseMillis(raw)
		if err != nil {
			return AttemptState{}, err
		}
		state.LockedUntil = &until
	}
	return state, nil
}

// RecordFailure はLuaスクリプトで加算とロック設定を原子的に行う。
func (s *RedisAttemptStore) RecordFailure(ctx context.Context, userID string, now time.Time, threshold int, lockout time.Duration) (AttemptState, error) {
	until := now.Add(lockout)
	res, err := recordFailureScript.Run(ctx, s.client,
		[]string{s.counterKey(userID), s.lockKey(userID)},
		threshold, until.UnixMilli(), lockout.Milliseconds(),
	).Slice()
	if err != nil {
		return AttemptState{}, fmt.Errorf("failed to record login failure: %w", err)
	}
	if len(res) != 2 {
		return AttemptState{}, fmt.Errorf("unexpected script result: %v", res)
	}

	n, _ := res[0].(int64)
	state := AttemptState{Failures: int(n)}
	if raw, _ := res[1].(string); raw != "" {
		lockedUntil, err := parseMillis(raw)
		if err != nil {
			return AttemptState{}, err
		}
		state.LockedUntil = &lockedUntil
	}
	return state, nil
}

// Reset はカウンタとロックキーを削除する。
func (s *RedisAttemptStore) Reset(ctx context.Context, userID string, _ time.Time) error {
	if err := s.client.Del(ctx, s.counterKey(userID), s.lockKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to reset attempt state: %w", err)
	}
	return nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid lock value %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

var _ AttemptStore = (*RedisAttemptStore)(nil)
