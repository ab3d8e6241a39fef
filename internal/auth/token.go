package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/yardops/internal/model"
)

// トークン検証エラー。期限切れと不正は呼び出し側でリフレッシュ可否を判断するため区別する。
var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims はアクセストークンに含まれるクレーム。
type AccessClaims struct {
	UserID string     `json:"uid"`
	Handle string     `json:"handle"`
	Role   model.Role `json:"role"`
	Type   string     `json:"typ"`
	jwt.RegisteredClaims
}

// refreshClaims はリフレッシュトークンのクレーム。ユーザーIDと期限のみを持つ。
type refreshClaims struct {
	UserID string `json:"uid"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig はTokenIssuerの設定。
type TokenIssuerConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Now は現在時刻の取得関数。nilの場合はtime.Nowを使用する。
	Now func() time.Time
}

// TokenIssuer はプロセス共通の署名鍵でHS256トークンを発行・検証する。
// 鍵を変更すると発行済みのアクセストークンはすべて無効になる。
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &TokenIssuer{
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        now,
		parser:     jwt.NewParser(opts...),
	}, nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (i *TokenIssuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL はリフレッシュトークンの有効期間を返す。
func (i *TokenIssuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccessToken はユーザーのアクセストークンを発行する。
func (i *TokenIssuer) IssueAccessToken(user *model.User) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.accessTTL)
	claims := AccessClaims{
		UserID: user.ID,
		Handle: user.Handle,
		Role:   user.Role,
		Type:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefreshToken はユーザーのリフレッシュトークンを発行する。
// 永続化は呼び出し側が台帳に対して行う。
func (i *TokenIssuer) IssueRefreshToken(user *model.User) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.refreshTTL)
	claims := refreshClaims{
		UserID: user.ID,
		Type:   tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken は署名と期限を検証してクレームを返す。
// 期限切れはErrTokenExpired、それ以外の構造・署名の不備はErrTokenMalformedを返す。
func (i *TokenIssuer) VerifyAccessToken(s string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(s, claims); err != nil {
		if errors.Is(err, ErrTokenExpired) && claims.Type != tokenTypeAccess {
			return nil, ErrTokenMalformed
		}
		return nil, err
	}
	if claims.Type != tokenTypeAccess || claims.UserID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// VerifyRefreshToken はリフレッシュトークンの署名と期限を検証し、ユーザーIDを返す。
// 台帳での失効確認は呼び出し側で行う。
func (i *TokenIssuer) VerifyRefreshToken(s string) (string, error) {
	claims := &refreshClaims{}
	if err := i.parse(s, claims); err != nil {
		return "", err
	}
	if claims.Type != tokenTypeRefresh || claims.UserID == "" {
		return "", ErrTokenMalformed
	}
	return claims.UserID, nil
}

func (i *TokenIssuer) parse(s string, claims jwt.Claims) error {
	if s == "" {
		return ErrTokenMalformed
	}
	_, err := i.parser.ParseWithClaims(s, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return ErrTokenMalformed
}
