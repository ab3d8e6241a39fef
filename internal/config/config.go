package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// minSecretLength はJWT署名鍵の最小バイト長。
const minSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数（およびCONFIG_FILEで指定したTOMLファイル）から起動時に1回読み込み、
// イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Login governor
	LoginMaxAttempts     int
	LoginLockoutDuration time.Duration
	AttemptStore         string
	RedisURL             string

	// Password hashing (argon2id)
	Argon2MemoryKB    uint32
	Argon2Time        uint32
	Argon2Parallelism uint8

	// Ledger
	LedgerSweepInterval time.Duration

	// Audit
	AuditBufferSize int

	// Events
	EventsBufferSize        int
	EventsHeartbeatInterval time.Duration
	EventsFilterByBranch    bool

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// source は設定値の参照元。環境変数を優先し、次に設定ファイルの値を参照する。
type source struct {
	file map[string]any
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if s.file == nil {
		return ""
	}
	v, ok := s.file[key]
	if !ok {
		return ""
	}
	switch tv := v.(type) {
	case string:
		return tv
	default:
		return fmt.Sprint(tv)
	}
}

// Load は環境変数からConfigを読み込む。
// CONFIG_FILEが設定されている場合はTOMLファイルの値を既定値として使用する。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file := map[string]any{}
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
		src.file = file
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = src.get("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = src.get("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.JWTSecret) < minSecretLength {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLength)
	}

	// Optional fields with defaults
	cfg.JWTIssuer = src.getString("JWT_ISSUER", "yardops")
	cfg.AccessTokenTTL = src.getDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = src.getDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	cfg.LoginMaxAttempts = src.getInt("LOGIN_MAX_ATTEMPTS", 5)
	cfg.LoginLockoutDuration = src.getDuration("LOGIN_LOCKOUT_DURATION", 15*time.Minute)
	cfg.AttemptStore = strings.ToLower(src.getString("ATTEMPT_STORE", "postgres"))
	cfg.RedisURL = src.getString("REDIS_URL", "")
	cfg.Argon2MemoryKB = uint32(src.getInt("ARGON2_MEMORY_KB", 64*1024))
	cfg.Argon2Time = uint32(src.getInt("ARGON2_TIME", 3))
	cfg.Argon2Parallelism = uint8(src.getInt("ARGON2_PARALLELISM", 2))
	cfg.LedgerSweepInterval = src.getDuration("LEDGER_SWEEP_INTERVAL", time.Hour)
	cfg.AuditBufferSize = src.getInt("AUDIT_BUFFER_SIZE", 256)
	cfg.EventsBufferSize = src.getInt("EVENTS_BUFFER_SIZE", 64)
	cfg.EventsHeartbeatInterval = src.getDuration("EVENTS_HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.EventsFilterByBranch = src.getBool("EVENTS_FILTER_BY_BRANCH", false)
	cfg.RateLimitGeneral = src.getInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = src.getInt("RATE_LIMIT_LOGIN", 10)
	cfg.ServerPort = src.getString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = src.getString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = src.getString("LOG_LEVEL", "info")

	switch cfg.AttemptStore {
	case "postgres":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when ATTEMPT_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported ATTEMPT_STORE: %q", cfg.AttemptStore)
	}

	return cfg, nil
}

func (s source) getString(key, defaultVal string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return defaultVal
}

func (s source) getInt(key string, defaultVal int) int {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s source) getBool(key string, defaultVal bool) bool {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func (s source) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.get(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
