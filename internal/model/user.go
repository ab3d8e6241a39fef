// Package model はドメインモデルを定義する。
package model

import "time"

// Role は利用者の権限ロールを表す。
type Role string

const (
	RoleGateOperator Role = "gate_operator"
	RoleTenantClient Role = "tenant_client"
	RoleManager      Role = "manager"
	RoleAdmin        Role = "admin"
)

// Valid は既知のロールかどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleGateOperator, RoleTenantClient, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Satisfies はrが要求ロールrequiredを満たすかを返す。
// adminはmanagerと同等の権限として扱う。
func (r Role) Satisfies(required Role) bool {
	if r == required {
		return true
	}
	return r == RoleAdmin && required == RoleManager
}

// User はヤード業務システムの利用者を表す。
type User struct {
	ID                  string
	Handle              string
	Email               string
	PasswordHash        string
	DisplayName         string
	Role                Role
	IsActive            bool
	FailedLoginAttempts int
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PublicUser はクライアントへ返却するユーザー情報。
// パスワードハッシュやロックアウト状態は含めない。
type PublicUser struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Public はUserから公開用の表現を生成する。
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Handle:      u.Handle,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
	}
}

// RefreshTokenRecord はリフレッシュトークン台帳の1行を表す。
// 行の削除がトークンの失効を意味する。
type RefreshTokenRecord struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired は時刻nowにおいて期限切れかどうかを返す。
func (r *RefreshTokenRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
