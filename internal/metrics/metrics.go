// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン試行の結果ラベル
const (
	LoginSuccess            = "success"
	LoginInvalidCredentials = "invalid_credentials"
	LoginLocked             = "locked"
	LoginInactive           = "inactive"
	LoginError              = "error"
)

// トークン再発行の結果ラベル
const (
	RefreshSuccess  = "success"
	RefreshRejected = "rejected"
	RefreshError    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、イベントバス、バックグラウンドジョブから利用する。
type MetricsCollector interface {
	RecordLoginAttempt(outcome string)
	RecordLockout()
	RecordTokenRefresh(outcome string)
	RecordLedgerSwept(count int64)
	SetLiveConnections(n int)
	RecordEventBroadcast(kind string)
	RecordEventDropped()
	RecordAuditWriteFailure()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginAttempts    *prometheus.CounterVec
	lockouts         prometheus.Counter
	tokenRefresh     *prometheus.CounterVec
	ledgerSwept      prometheus.Counter
	liveConnections  prometheus.Gauge
	eventsBroadcast  *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	auditWriteFailed prometheus.Counter
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yardops_login_attempts_total",
			Help: "結果別のログイン試行数",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yardops_lockouts_total",
			Help: "連続失敗によるアカウントロックの発生数",
		}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yardops_token_refresh_total",
			Help: "結果別のアクセストークン再発行数",
		}, []string{"outcome"}),
		ledgerSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yardops_ledger_swept_total",
			Help: "期限切れとして削除されたリフレッシュトークン数",
		}),
		liveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yardops_live_connections",
			Help: "現在のライブ接続数",
		}),
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yardops_events_broadcast_total",
			Help: "種別ごとの配信イベント数",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yardops_events_dropped_total",
			Help: "送信バッファ満杯で破棄されたイベント数",
		}),
		auditWriteFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yardops_audit_write_failures_total",
			Help: "書き込みに失敗または破棄された監査ログ数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yardops_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.loginAttempts,
		c.lockouts,
		c.tokenRefresh,
		c.ledgerSwept,
		c.liveConnections,
		c.eventsBroadcast,
		c.eventsDropped,
		c.auditWriteFailed,
		c.httpStatus,
	)

	return c
}

// RecordLoginAttempt はログイン試行を結果別に記録する。
func (c *Collector) RecordLoginAttempt(outcome string) {
	c.loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordLockout はアカウントロックの発生を記録する。
func (c *Collector) RecordLockout() {
	c.lockouts.Inc()
}

// RecordTokenRefresh はアクセストークン再発行を結果別に記録する。
func (c *Collector) RecordTokenRefresh(outcome string) {
	c.tokenRefresh.WithLabelValues(outcome).Inc()
}

// RecordLedgerSwept は台帳スイープの削除件数を記録する。
func (c *Collector) RecordLedgerSwept(count int64) {
	c.ledgerSwept.Add(float64(count))
}

// SetLiveConnections は現在のライブ接続数を設定する。
func (c *Collector) SetLiveConnections(n int) {
	c.liveConnections.Set(float64(n))
}

// RecordEventBroadcast はイベント配信を記録する。
func (c *Collector) RecordEventBroadcast(kind string) {
	c.eventsBroadcast.WithLabelValues(kind).Inc()
}

// RecordEventDropped は破棄されたイベントを記録する。
func (c *Collector) RecordEventDropped() {
	c.eventsDropped.Inc()
}

// RecordAuditWriteFailure は監査ログの書き込み失敗を記録する。
func (c *Collector) RecordAuditWriteFailure() {
	c.auditWriteFailed.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordLoginAttempt(string)   {}
func (Nop) RecordLockout()              {}
func (Nop) RecordTokenRefresh(string)   {}
func (Nop) RecordLedgerSwept(int64)     {}
func (Nop) SetLiveConnections(int)      {}
func (Nop) RecordEventBroadcast(string) {}
func (Nop) RecordEventDropped()         {}
func (Nop) RecordAuditWriteFailure()    {}
func (Nop) RecordHTTPStatus(int)        {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
