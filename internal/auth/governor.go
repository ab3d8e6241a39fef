package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/repository"
)

// ErrAccountLocked はロック期間中のログイン試行を表す。
var ErrAccountLocked = errors.New("account locked")

// AttemptState はアカウントのログイン失敗状態。
type AttemptState struct {
	Failures    int
	LockedUntil *time.Time
}

// LockedAt は時刻nowにおいてロック中かどうかを返す。
// ロック期限を過ぎた状態はNormalとして扱う。
func (s AttemptState) LockedAt(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// AttemptStore はログイン失敗カウンタの保存先。
// RecordFailureは読み取りと更新をアカウント単位で原子的に行わなければならない。
type AttemptStore interface {
	// State は現在の失敗状態を返す。
	State(ctx context.Context, user *model.User) (AttemptState, error)
	// RecordFailure は失敗を1回加算し、thresholdに達した場合はlockoutの間ロックする。
	RecordFailure(ctx context.Context, userID string, now time.Time, threshold int, lockout time.Duration) (AttemptState, error)
	// Reset はカウンタとロックを解除する。
	Reset(ctx context.Context, userID string, now time.Time) error
}

// Governor はアカウント単位のログイン試行を制御する。
//
// 状態はNormalとLocked(until)の2つ。Normalで失敗するとカウンタが増え、
// threshold回に達するとlockoutの間Lockedになる。Locked中の試行はパスワードの
// 正否にかかわらず拒否される。untilを過ぎた試行はNormalとして扱う。
type Governor struct {
	store     AttemptStore
	threshold int
	lockout   time.Duration
	now       func() time.Time
}

// NewGovernor はGovernorを生成する。nowがnilの場合はtime.Nowを使用する。
func NewGovernor(store AttemptStore, threshold int, lockout time.Duration, now func() time.Time) *Governor {
	if now == nil {
		now = time.Now
	}
	return &Governor{store: store, threshold: threshold, lockout: lockout, now: now}
}

// Check はログイン試行を受け付けてよいかを判定する。ロック中ならErrAccountLockedを返す。
func (g *Governor) Check(ctx context.Context, user *model.User) error {
	state, err := g.store.State(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to load attempt state: %w", err)
	}
	if state.LockedAt(g.now()) {
		return ErrAccountLocked
	}
	return nil
}

// RecordFailure は失敗を記録し、この失敗でロックされたかどうかを返す。
func (g *Governor) RecordFailure(ctx context.Context, user *model.User) (bool, error) {
	now := g.now()
	state, err := g.store.RecordFailure(ctx, user.ID, now, g.threshold, g.lockout)
	if err != nil {
		return false, fmt.Errorf("failed to record login failure: %w", err)
	}
	return state.LockedAt(now), nil
}

// RecordSuccess は成功時にカウンタと期限切れのロックを解除する。
func (g *Governor) RecordSuccess(ctx context.Context, user *model.User) error {
	if err := g.store.Reset(ctx, user.ID, g.now()); err != nil {
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return nil
}

// PostgresAttemptStore はusersテーブルのカラムで失敗状態を保持するAttemptStore。
type PostgresAttemptStore struct {
	users repository.UserRepository
}

// NewPostgresAttemptStore はPostgresAttemptStoreを生成する。
func NewPostgresAttemptStore(users repository.UserRepository) *PostgresAttemptStore {
	return &PostgresAttemptStore{users: users}
}

// State はロード済みのユーザー行から状態を返す。
func (s *PostgresAttemptStore) State(_ context.Context, user *model.User) (AttemptState, error) {
	return AttemptState{Failures: user.FailedLoginAttempts, LockedUntil: user.LockedUntil}, nil
}

// RecordFailure は単一の条件付きUPDATEで失敗を加算する。
func (s *PostgresAttemptStore) RecordFailure(ctx context.Context, userID string, now time.Time, threshold int, lockout time.Duration) (AttemptState, error) {
	n, lockedUntil, err := s.users.RecordLoginFailure(ctx, userID, now, threshold, now.Add(lockout))
	if err != nil {
		return AttemptState{}, err
	}
	return AttemptState{Failures: n, LockedUntil: lockedUntil}, nil
}

// Reset はカウンタとロックを解除する。
func (s *PostgresAttemptStore) Reset(ctx context.Context, userID string, now time.Time) error {
	return s.users.ResetLoginFailures(ctx, userID, now)
}

var _ AttemptStore = (*PostgresAttemptStore)(nil)
