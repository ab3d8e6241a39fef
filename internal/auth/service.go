// Package auth は資格情報の検証、トークンの発行・検証、ログイン試行の制御、
// リフレッシュトークン台帳を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/yardops/internal/audit"
	"github.com/hitoshi/yardops/internal/metrics"
	"github.com/hitoshi/yardops/internal/model"
	"github.com/hitoshi/yardops/internal/repository"
)

// MinPasswordLength はパスワードの最小バイト長。
const MinPasswordLength = 10

// Hasher はパスワードのハッシュと照合を行う。
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

// Auditor は監査ログの記録先。
type Auditor interface {
	Record(ctx context.Context, in audit.Input)
}

// LoginResult はログイン成功時に返す値。
type LoginResult struct {
	User                 model.PublicUser `json:"user"`
	AccessToken          string           `json:"access_token"`
	AccessTokenExpiresAt time.Time        `json:"access_token_expires_at"`
	RefreshToken         string           `json:"refresh_token"`
}

// RefreshResult はアクセストークン再発行の結果。リフレッシュトークンはローテーションしない。
type RefreshResult struct {
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
}

// Service はログイン、トークン再発行、ログアウト、パスワード変更を提供する。
type Service struct {
	users    repository.UserRepository
	hasher   Hasher
	issuer   *TokenIssuer
	governor *Governor
	ledger   *Ledger
	auditor  Auditor
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time

	// dummyHash は存在しないログインIDでも照合と同じ計算量を費やすためのハッシュ。
	dummyHash string
}

// dummyPassword はdummyHashの元になる値。照合結果は使わない。
const dummyPassword = "yardops-unknown-account"

// ServiceDeps はServiceの依存関係。
type ServiceDeps struct {
	Users    repository.UserRepository
	Hasher   Hasher
	Issuer   *TokenIssuer
	Governor *Governor
	Ledger   *Ledger
	Auditor  Auditor
	Metrics  metrics.MetricsCollector
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		users:    deps.Users,
		hasher:   deps.Hasher,
		issuer:   deps.Issuer,
		governor: deps.Governor,
		ledger:   deps.Ledger,
		auditor:  deps.Auditor,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.hasher != nil {
		if h, err := s.hasher.Hash(dummyPassword); err == nil {
			s.dummyHash = h
		} else {
			s.logger.Warn("failed to prepare dummy password hash", slog.String("error", err.Error()))
		}
	}
	return s
}

// Login はログインIDとパスワードで認証し、アクセストークンとリフレッシュトークンを発行する。
//
// 失敗は「ユーザー不在またはパスワード誤り」「ロック中」「無効化済み」の3種類のみを区別する。
// ロック中はパスワードの正否にかかわらず拒否する。
func (s *Service) Login(ctx context.Context, handle, password string) (*LoginResult, error) {
	if handle == "" || password == "" {
		return nil, model.NewBadRequestError("handle and password are required")
	}

	user, err := s.users.FindByHandle(ctx, handle)
	if err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginError)
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		// 応答時間からアカウントの有無を推測されないよう、存在する場合と同じく照合を1回行う
		if s.dummyHash != "" {
			_, _ = s.hasher.Verify(password, s.dummyHash)
		}
		s.metrics.RecordLoginAttempt(metrics.LoginInvalidCredentials)
		return nil, model.NewInvalidCredentialsError()
	}

	if err := s.governor.Check(ctx, user); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			s.metrics.RecordLoginAttempt(metrics.LoginLocked)
			return nil, model.NewAccountLockedError()
		}
		s.metrics.RecordLoginAttempt(metrics.LoginError)
		return nil, err
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginError)
		return nil, fmt.Errorf("failed to verify password for user %s: %w", user.ID, err)
	}
	if !ok {
		locked, err := s.governor.RecordFailure(ctx, user)
		if err != nil {
			s.metrics.RecordLoginAttempt(metrics.LoginError)
			return nil, err
		}
		if locked {
			s.metrics.RecordLockout()
			s.logger.Warn("account locked after consecutive login failures",
				slog.String("user_id", user.ID),
			)
		}
		s.metrics.RecordLoginAttempt(metrics.LoginInvalidCredentials)
		return nil, model.NewInvalidCredentialsError()
	}

	if !user.IsActive {
		s.metrics.RecordLoginAttempt(metrics.LoginInactive)
		return nil, model.NewAccountInactiveError()
	}

	if err := s.governor.RecordSuccess(ctx, user); err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginError)
		return nil, err
	}

	access, accessExp, err := s.issuer.IssueAccessToken(user)
	if err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginError)
		return nil, err
	}
	refresh, _, err := s.issuer.IssueRefreshToken(user)
	if err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginError)
		return nil, err
	}
	if err := s.ledger.Record(ctx, refresh, user.ID, s.issuer.RefreshTTL()); err != nil {
		s.metrics.RecordLoginAttempt(metrics.LoginError)
		return nil, err
	}

	s.metrics.RecordLoginAttempt(metrics.LoginSuccess)
	s.record(ctx, audit.Input{
		ActorID:    user.ID,
		Action:     model.AuditActionLogin,
		EntityType: "user",
		EntityID:   user.ID,
	})
	s.logger.Info("user logged in", slog.String("user_id", user.ID))

	return &LoginResult{
		User:                 user.Public(),
		AccessToken:          access,
		AccessTokenExpiresAt: accessExp,
		RefreshToken:         refresh,
	}, nil
}

// Refresh はリフレッシュトークンを検証し、新しいアクセストークンのみを返す。
// 署名不正、期限切れ、台帳に存在しない、ユーザーが無効のいずれもUnauthenticatedとなる。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	userID, err := s.issuer.VerifyRefreshToken(refreshToken)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.RefreshRejected)
		return nil, model.NewUnauthenticatedError()
	}

	rec, err := s.ledger.Lookup(ctx, refreshToken)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.RefreshError)
		return nil, err
	}
	if rec == nil || rec.UserID != userID {
		s.metrics.RecordTokenRefresh(metrics.RefreshRejected)
		return nil, model.NewUnauthenticatedError()
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.RefreshError)
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		s.metrics.RecordTokenRefresh(metrics.RefreshRejected)
		return nil, model.NewUnauthenticatedError()
	}

	access, exp, err := s.issuer.IssueAccessToken(user)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.RefreshError)
		return nil, err
	}
	s.metrics.RecordTokenRefresh(metrics.RefreshSuccess)
	return &RefreshResult{AccessToken: access, AccessTokenExpiresAt: exp}, nil
}

// Logout はリフレッシュトークンを台帳から削除する。
// 既に存在しないトークンも成功として扱う。他人のトークンは削除しない。
func (s *Service) Logout(ctx context.Context, actor *model.User, refreshToken string) error {
	if refreshToken != "" {
		rec, err := s.ledger.Lookup(ctx, refreshToken)
		if err != nil {
			return err
		}
		if rec != nil && rec.UserID != actor.ID {
			return model.NewForbiddenError()
		}
		if err := s.ledger.Revoke(ctx, refreshToken); err != nil {
			return err
		}
	}

	s.record(ctx, audit.Input{
		ActorID:    actor.ID,
		Action:     model.AuditActionLogout,
		EntityType: "user",
		EntityID:   actor.ID,
	})
	s.logger.Info("user logged out", slog.String("user_id", actor.ID))
	return nil
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードを保存し、
// そのユーザーのリフレッシュトークンをすべて失効させる。
func (s *Service) ChangePassword(ctx context.Context, actor *model.User, current, next string) error {
	if len(next) < MinPasswordLength {
		return model.NewBadRequestError(fmt.Sprintf("password must be at least %d bytes", MinPasswordLength))
	}

	ok, err := s.hasher.Verify(current, actor.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to verify password for user %s: %w", actor.ID, err)
	}
	if !ok {
		return model.NewInvalidCredentialsError()
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, actor.ID, hash, s.now()); err != nil {
		return err
	}
	revoked, err := s.ledger.RevokeAll(ctx, actor.ID)
	if err != nil {
		return err
	}

	s.record(ctx, audit.Input{
		ActorID:    actor.ID,
		Action:     model.AuditActionPasswordChange,
		EntityType: "user",
		EntityID:   actor.ID,
		After:      map[string]int64{"revoked_refresh_tokens": revoked},
	})
	s.logger.Info("password changed",
		slog.String("user_id", actor.ID),
		slog.Int64("revoked_refresh_tokens", revoked),
	)
	return nil
}

func (s *Service) record(ctx context.Context, in audit.Input) {
	if s.auditor != nil {
		s.auditor.Record(ctx, in)
	}
}
