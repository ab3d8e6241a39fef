package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/yardops/internal/audit"
	"github.com/hitoshi/yardops/internal/auth"
	"github.com/hitoshi/yardops/internal/config"
	"github.com/hitoshi/yardops/internal/eventbus"
	"github.com/hitoshi/yardops/internal/handler"
	"github.com/hitoshi/yardops/internal/metrics"
	"github.com/hitoshi/yardops/internal/middleware"
	"github.com/hitoshi/yardops/internal/repository"
	"github.com/hitoshi/yardops/internal/security"
	"github.com/hitoshi/yardops/internal/user"
)

const (
	attemptStoreRedis  = "redis"
	redisAttemptPrefix = "yardops:login"
	auditWriteTimeout  = 5 * time.Second
)

// components はserve・sweep・useraddが共有する組み立て済みの依存関係。
type components struct {
	db       *sql.DB
	registry *prometheus.Registry
	metrics  *metrics.Collector
	redis    redis.UniversalClient

	users    *repository.PostgresUserRepo
	auditLog *repository.PostgresAuditLogRepo

	hasher   *auth.PasswordHasher
	issuer   *auth.TokenIssuer
	governor *auth.Governor
	ledger   *auth.Ledger
	recorder *audit.Recorder
	bus      *eventbus.Bus

	authService *auth.Service
	userService *user.Service
}

// newComponents は設定とDB接続からドメインの依存関係を組み立てる。
// 戻り値のcloseで、バス・監査ログの書き込み・Redis接続を停止する。
func newComponents(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*components, error) {
	c := &components{db: db}

	// 1. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// 2. リポジトリ
	c.users = repository.NewPostgresUserRepo(db)
	c.auditLog = repository.NewPostgresAuditLogRepo(db)
	refreshRepo := repository.NewPostgresRefreshTokenRepo(db)

	// 3. 資格情報とトークン
	hasherCfg := auth.DefaultHasherConfig()
	hasherCfg.Memory = cfg.Argon2MemoryKB
	hasherCfg.Time = cfg.Argon2Time
	hasherCfg.Parallelism = cfg.Argon2Parallelism
	hasher, err := auth.NewPasswordHasher(hasherCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure password hasher: %w", err)
	}
	c.hasher = hasher

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure token issuer: %w", err)
	}
	c.issuer = issuer

	// 4. ログイン試行の記録先
	var attempts auth.AttemptStore
	if cfg.AttemptStore == attemptStoreRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		c.redis = redis.NewClient(opts)
		attempts = auth.NewRedisAttemptStore(c.redis, redisAttemptPrefix)
	} else {
		attempts = auth.NewPostgresAttemptStore(c.users)
	}
	c.governor = auth.NewGovernor(attempts, cfg.LoginMaxAttempts, cfg.LoginLockoutDuration, time.Now)
	c.ledger = auth.NewLedger(refreshRepo, time.Now)

	// 5. 監査ログとイベントバス
	sanitizer := security.NewTextSanitizer()
	c.recorder = audit.NewRecorder(audit.Config{
		BufferSize:   cfg.AuditBufferSize,
		WriteTimeout: auditWriteTimeout,
	}, c.auditLog, sanitizer, c.metrics, logger)
	c.bus = eventbus.New(eventbus.Options{
		BufferSize:     cfg.EventsBufferSize,
		FilterByBranch: cfg.EventsFilterByBranch,
		Metrics:        c.metrics,
		Logger:         logger,
	})

	// 6. ドメインサービス
	c.authService = auth.NewService(auth.ServiceDeps{
		Users:    c.users,
		Hasher:   c.hasher,
		Issuer:   c.issuer,
		Governor: c.governor,
		Ledger:   c.ledger,
		Auditor:  c.recorder,
		Metrics:  c.metrics,
		Logger:   logger,
	})
	c.userService = user.NewService(user.Deps{
		Users:     c.users,
		Tokens:    c.ledger,
		Hasher:    c.hasher,
		Sanitizer: sanitizer,
		Auditor:   c.recorder,
		Events:    c.bus,
		Logger:    logger,
	})

	return c, nil
}

// router はAPIサーバーのルーターを構成する。rlの停止は呼び出し側が行う。
func (c *components) router(cfg *config.Config, rl *middleware.RateLimiter, logger *slog.Logger) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		Metrics:           c.metrics,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		TokenVerifier:     c.issuer,
		UserFinder:        c.users,

		AuthService: c.authService,
		UserService: c.userService,
		AuditLogs:   c.auditLog,

		Events:            c.bus,
		HeartbeatInterval: cfg.EventsHeartbeatInterval,

		Health:         c.db,
		MetricsHandler: metrics.Handler(c.registry),
	})
}

// close はライブ接続を切断し、未書き込みの監査ログを書き出してから外部接続を閉じる。
func (c *components) close() {
	c.bus.Close()
	c.recorder.Close()
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
}
