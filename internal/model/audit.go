package model

import (
	"encoding/json"
	"time"
)

// AuditLogEntry は監査ログの1件を表す。追記のみで更新されない。
type AuditLogEntry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	BranchID    *string         `json:"branch_id,omitempty"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type"`
	EntityID    *string         `json:"entity_id,omitempty"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// 監査アクションコード
const (
	AuditActionLogin          = "auth.login"
	AuditActionLogout         = "auth.logout"
	AuditActionPasswordChange = "auth.password_change"
	AuditActionUserActivate   = "user.activate"
	AuditActionUserDeactivate = "user.deactivate"
)
