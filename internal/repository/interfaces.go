// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/yardops/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate key")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByHandle はログインIDでユーザーを取得する。見つからない場合はnilを返す。
	FindByHandle(ctx context.Context, handle string) (*model.User, error)

	// Create はユーザーを作成する。handleまたはemailが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error

	// SetActive は有効フラグを更新する。対象が存在しない場合はfalseを返す。
	SetActive(ctx context.Context, id string, active bool, now time.Time) (bool, error)

	// RecordLoginFailure はログイン失敗を1回分加算する。
	// lockUntilを過ぎた古いロックはカウンタとともにリセットしてから加算し、
	// 加算後の値がthreshold以上になればlocked_untilにlockUntilを設定する。
	// 読み取りと更新は1つの条件付きUPDATEで行う。
	RecordLoginFailure(ctx context.Context, id string, now time.Time, threshold int, lockUntil time.Time) (int, *time.Time, error)

	// ResetLoginFailures は失敗カウンタとロックを解除する。
	ResetLoginFailures(ctx context.Context, id string, now time.Time) error
}

// RefreshTokenRepository はリフレッシュトークン台帳の永続化インターフェース。
type RefreshTokenRepository interface {
	// Create は台帳に1行追加する。トークンが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, record *model.RefreshTokenRecord) error

	// FindByToken はトークンで行を取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.RefreshTokenRecord, error)

	// DeleteByToken はトークンの行を削除する。存在しない場合もエラーにしない。
	DeleteByToken(ctx context.Context, token string) error

	// DeleteByUserID は指定ユーザーの全行を削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)

	// DeleteExpired はexpires_atがnowより前の行を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditLogRepository は監査ログの永続化インターフェース。追記と参照のみを提供する。
type AuditLogRepository interface {
	// Create は監査ログを1件追加する。
	Create(ctx context.Context, entry *model.AuditLogEntry) error

	// ListRecent は作成日時の新しい順に最大limit件を返す。
	// branchIDが空でない場合はその拠点のログに絞り込む。
	ListRecent(ctx context.Context, branchID string, limit int) ([]*model.AuditLogEntry, error)
}
