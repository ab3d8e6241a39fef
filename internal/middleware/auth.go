package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/yardops/internal/auth"
	"github.com/hitoshi/yardops/internal/model"
)

// BranchHeader は操作対象の拠点を指定するリクエストヘッダー。
const BranchHeader = "X-Branch-ID"

// MaxBranchIDLength は拠点IDの最大バイト数。audit_logs.branch_idの列幅に合わせる。
const MaxBranchIDLength = 64

// ValidateBranchID は空でない拠点IDが保存可能な長さに収まっているかを検証する。
func ValidateBranchID(branchID string) *model.APIError {
	if len(branchID) > MaxBranchIDLength {
		return model.NewBadRequestError("branch id is too long")
	}
	return nil
}

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
type TokenVerifier interface {
	VerifyAccessToken(s string) (*auth.AccessClaims, error)
}

// UserFinder はユーザーの検索に必要なインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// NewAuthMiddleware はBearerトークンを検証し、最新のユーザー行を読み込んで
// リクエストコンテキストに注入するミドルウェアを返す。
//
// トークンの期限切れ(TOKEN_EXPIRED)と不正(TOKEN_INVALID)は区別して返す。
// クライアントはTOKEN_EXPIREDの場合のみリフレッシュを試みる。
// トークンが有効でも、ユーザーが存在しないか無効化されていればUNAUTHENTICATEDとなる。
func NewAuthMiddleware(verifier TokenVerifier, users UserFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Authorizationヘッダーからトークンを取得
			token, ok := bearerToken(r)
			if !ok {
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}

			// 2. 署名と期限を検証
			claims, err := verifier.VerifyAccessToken(token)
			if err != nil {
				if errors.Is(err, auth.ErrTokenExpired) {
					WriteAPIError(w, model.NewTokenExpiredError())
					return
				}
				WriteAPIError(w, model.NewTokenInvalidError())
				return
			}

			// 3. ユーザーの現在の状態を確認
			user, err := users.FindByID(r.Context(), claims.UserID)
			if err != nil {
				slog.Error("failed to find user",
					slog.String("user_id", claims.UserID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil || !user.IsActive {
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}

			// 4. 認証済みユーザーをコンテキストに注入
			annotateUser(r.Context(), user.ID)
			ctx := ContextWithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole は認証済みユーザーが指定ロールのいずれかを満たす場合のみ通過させる。
// adminはmanagerの要求を満たす。NewAuthMiddlewareの後に配置する。
func RequireRole(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r.Context())
			if err != nil {
				WriteAPIError(w, model.NewUnauthenticatedError())
				return
			}
			for _, role := range roles {
				if user.Role.Satisfies(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			slog.Warn("role requirement not met",
				slog.String("user_id", user.ID),
				slog.String("role", string(user.Role)),
			)
			WriteAPIError(w, model.NewForbiddenError())
		})
	}
}

// RequireBranch は拠点ヘッダーを必須とし、その値を操作対象の拠点としてコンテキストに注入する。
// ユーザーがその拠点に所属しているかどうかは検証しない。
func RequireBranch() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			branchID := strings.TrimSpace(r.Header.Get(BranchHeader))
			if branchID == "" {
				WriteAPIError(w, model.NewBranchHeaderRequiredError())
				return
			}
			if apiErr := ValidateBranchID(branchID); apiErr != nil {
				WriteAPIError(w, apiErr)
				return
			}
			annotateBranch(r.Context(), branchID)
			next.ServeHTTP(w, r.WithContext(ContextWithBranchID(r.Context(), branchID)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
