package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/repository"
)

// ErrDuplicateToken は同じリフレッシュトークンが既に台帳に存在することを表す。
var ErrDuplicateToken = errors.New("refresh token already recorded")

// Ledger は発行済みリフレッシュトークンの台帳。
// 行が存在し期限内であることがトークン有効の条件で、行の削除が即時かつ恒久的な失効を意味する。
type Ledger struct {
	repo repository.RefreshTokenRepository
	now  func() time.Time
}

// NewLedger はLedgerを生成する。nowがnilの場合はtime.Nowを使用する。
func NewLedger(repo repository.RefreshTokenRepository, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{repo: repo, now: now}
}

// Record はトークンをttlの有効期間で台帳に追加する。
func (l *Ledger) Record(ctx context.Context, token, userID string, ttl time.Duration) error {
	now := l.now()
	err := l.repo.Create(ctx, &model.RefreshTokenRecord{
		Token:     token,
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("failed to record refresh token: %w", err)
	}
	return nil
}

// Lookup はトークンの行を返す。存在しないか期限切れの場合はnilを返す。
func (l *Ledger) Lookup(ctx context.Context, token string) (*model.RefreshTokenRecord, error) {
	rec, err := l.repo.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if rec == nil || rec.Expired(l.now()) {
		return nil, nil
	}
	return rec, nil
}

// Revoke はトークンを失効させる。存在しない場合も成功として扱う。
func (l *Ledger) Revoke(ctx context.Context, token string) error {
	if err := l.repo.DeleteByToken(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll は指定ユーザーのすべてのトークンを失効させ、件数を返す。
func (l *Ledger) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := l.repo.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return n, nil
}

// SweepExpired は期限が過ぎた行をすべて削除し、件数を返す。
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	n, err := l.repo.DeleteExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired refresh tokens: %w", err)
	}
	return n, nil
}
