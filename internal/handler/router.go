package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/yardops/internal/metrics"
	"github.com/hitoshi/yardops/internal/middleware"
	"github.com/hitoshi/yardops/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TokenVerifier     middleware.TokenVerifier
	UserFinder        middleware.UserFinder

	// 認証
	AuthService AuthServiceInterface

	// ユーザー
	UserService UserServiceInterface

	// 監査ログ
	AuditLogs AuditLogLister

	// ライブ接続
	Events            EventSubscriber
	HeartbeatInterval time.Duration

	// 運用
	Health         Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Logging → Recovery → SecurityHeaders → CORS → RequestMeta
//
// 認証が必要なルートではさらに Auth → RateLimit(General) → RequireRole/RequireBranch が続く。
// /auth/login と /auth/refresh はクライアントIP単位のレート制限のみを通る。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewRequestMetaMiddleware())

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	auditHandler := NewAuditHandler(deps.AuditLogs)
	eventsHandler := NewEventsHandler(deps.Events, deps.HeartbeatInterval, logger)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.LoginMiddleware())

		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/refresh", authHandler.Refresh)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier, deps.UserFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/auth/logout", authHandler.Logout)

		r.Route("/api/me", func(r chi.Router) {
			r.Get("/", authHandler.Me)
			r.Put("/password", authHandler.ChangePassword)
		})

		// 拠点スコープのルート
		r.With(middleware.RequireBranch()).Get("/api/branch", authHandler.Branch)

		// 管理者向けルート
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleManager))

			r.Patch("/api/users/{id}/status", userHandler.SetStatus)
			r.With(middleware.RequireBranch()).Get("/api/audit-logs", auditHandler.List)
		})

		// ライブ接続
		r.Get("/events", eventsHandler.Stream)
	})

	return r
}
