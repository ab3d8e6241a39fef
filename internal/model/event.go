package model

// イベント種別
const (
	EventKindHeartbeat   = "heartbeat"
	EventKindUserUpdated = "user.updated"
)

// DomainEvent はライブ接続へ配信される状態変更通知を表す。
// 配信は一度きりで、再送や履歴の再生は行わない。
type DomainEvent struct {
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`

	// BranchID はイベントの対象拠点。空の場合は全拠点向け。
	// 配信フレームには含めない。
	BranchID string `json:"-"`
}
