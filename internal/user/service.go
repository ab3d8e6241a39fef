// Package user はアカウント管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/yardops/internal/audit"
	"github.com/hitoshi/yardops/internal/auth"
	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/repository"
	"github.com/hitoshi/yardops/internal/security"
)

const maxDisplayNameRunes = 100

// TokenRevoker はユーザーのリフレッシュトークンを一括失効させる。
type TokenRevoker interface {
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

// EventPublisher はライブ接続へのイベント配信先。
type EventPublisher interface {
	Broadcast(evt model.DomainEvent) int
}

// Auditor は監査ログの記録先。
type Auditor interface {
	Record(ctx context.Context, in audit.Input)
}

// Deps はServiceの依存関係。
type Deps struct {
	Users     repository.UserRepository
	Tokens    TokenRevoker
	Hasher    auth.Hasher
	Sanitizer security.TextSanitizer
	Auditor   Auditor
	Events    EventPublisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service はアカウントの作成と有効・無効の切り替えを提供する。
type Service struct {
	users     repository.UserRepository
	tokens    TokenRevoker
	hasher    auth.Hasher
	sanitizer security.TextSanitizer
	auditor   Auditor
	events    EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Deps) *Service {
	s := &Service{
		users:     deps.Users,
		tokens:    deps.Tokens,
		hasher:    deps.Hasher,
		sanitizer: deps.Sanitizer,
		auditor:   deps.Auditor,
		events:    deps.Events,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateInput は新規ユーザーの入力値。
type CreateInput struct {
	Handle      string
	Email       string
	DisplayName string
	Password    string
	Role        model.Role
}

// Create はパスワードをハッシュしてユーザーを作成する。
// handleまたはemailが既に使われている場合はConflictを返す。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.PublicUser, error) {
	handle := strings.TrimSpace(in.Handle)
	if handle == "" {
		return nil, model.NewBadRequestError("handle is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, model.NewBadRequestError("email is invalid")
	}
	if !in.Role.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown role %q", in.Role))
	}
	if len(in.Password) < auth.MinPasswordLength {
		return nil, model.NewBadRequestError(fmt.Sprintf("password must be at least %d bytes", auth.MinPasswordLength))
	}

	displayName := handle
	if s.sanitizer != nil {
		if name := s.sanitizer.Sanitize(in.DisplayName, maxDisplayNameRunes); name != "" {
			displayName = name
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	u := &model.User{
		ID:           uuid.NewString(),
		Handle:       handle,
		Email:        in.Email,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         in.Role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewConflictError("handle or email already in use")
		}
		return nil, err
	}

	s.logger.Info("user created",
		slog.String("user_id", u.ID),
		slog.String("role", string(u.Role)),
	)
	pub := u.Public()
	return &pub, nil
}

// SetActive は対象ユーザーの有効フラグを切り替える。
//
// 無効化した場合はそのユーザーのリフレッシュトークンをすべて失効させる。
// 発行済みのアクセストークンは次のリクエストで認証ミドルウェアがユーザー行を読んだ時点で拒否される。
// 変更前後を監査ログに記録し、user.updatedイベントを配信する。
// 既に指定の状態であれば何もせず現在の状態を返す。
func (s *Service) SetActive(ctx context.Context, actor *model.User, branchID, userID string, active bool) (*model.PublicUser, error) {
	// 主キーはUUID型なので、形式外のIDは問い合わせずに未存在として扱う
	if _, err := uuid.Parse(userID); err != nil {
		return nil, model.NewUserNotFoundError()
	}
	target, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if target == nil {
		return nil, model.NewUserNotFoundError()
	}
	if !active && actor.ID == target.ID {
		return nil, model.NewBadRequestError("cannot deactivate your own account")
	}

	before := target.Public()
	if target.IsActive == active {
		return &before, nil
	}

	now := s.now()
	found, err := s.users.SetActive(ctx, userID, active, now)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.NewUserNotFoundError()
	}

	var revoked int64
	if !active && s.tokens != nil {
		revoked, err = s.tokens.RevokeAll(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	after := before
	after.IsActive = active

	action := model.AuditActionUserActivate
	if !active {
		action = model.AuditActionUserDeactivate
	}
	if s.auditor != nil {
		s.auditor.Record(ctx, audit.Input{
			ActorID:    actor.ID,
			BranchID:   branchID,
			Action:     action,
			EntityType: "user",
			EntityID:   userID,
			Before:     before,
			After:      after,
		})
	}
	if s.events != nil {
		s.events.Broadcast(model.DomainEvent{
			Kind:     model.EventKindUserUpdated,
			Data:     after,
			BranchID: branchID,
		})
	}

	s.logger.Info("user status changed",
		slog.String("actor_id", actor.ID),
		slog.String("user_id", userID),
		slog.Bool("active", active),
		slog.Int64("revoked_refresh_tokens", revoked),
	)
	return &after, nil
}
