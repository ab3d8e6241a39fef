package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は指定名のメトリクスファミリーを取得する。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labeledCounter はラベル値に一致するカウンタ値を返す。
func labeledCounter(mf *dto.MetricFamily, value string) float64 {
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return -1
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLoginAttempt_CountsByOutcome はログイン試行が結果ラベル別に集計されることを検証する。
func TestRecordLoginAttempt_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLoginAttempt(LoginSuccess)
	c.RecordLoginAttempt(LoginInvalidCredentials)
	c.RecordLoginAttempt(LoginInvalidCredentials)

	mf := findMetricFamily(t, reg, "yardops_login_attempts_total")
	if got := labeledCounter(mf, LoginSuccess); got != 1 {
		t.Errorf("login_attempts_total{outcome=success} = %v, want 1", got)
	}
	if got := labeledCounter(mf, LoginInvalidCredentials); got != 2 {
		t.Errorf("login_attempts_total{outcome=invalid_credentials} = %v, want 2", got)
	}
}

// TestRecordLockout_IncrementsCounter はロック発生カウンタが増加することを検証する。
func TestRecordLockout_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLockout()

	mf := findMetricFamily(t, reg, "yardops_lockouts_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("lockouts_total = %v, want 1", val)
	}
}

// TestRecordLedgerSwept_AddsCount はスイープ件数が加算されることを検証する。
func TestRecordLedgerSwept_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLedgerSwept(3)
	c.RecordLedgerSwept(4)

	mf := findMetricFamily(t, reg, "yardops_ledger_swept_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 7 {
		t.Errorf("ledger_swept_total = %v, want 7", val)
	}
}

// TestSetLiveConnections_SetsGauge はライブ接続数ゲージが更新されることを検証する。
func TestSetLiveConnections_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetLiveConnections(5)
	c.SetLiveConnections(2)

	mf := findMetricFamily(t, reg, "yardops_live_connections")
	if val := mf.GetMetric()[0].GetGauge().GetValue(); val != 2 {
		t.Errorf("live_connections = %v, want 2", val)
	}
}

// TestRecordEventDropped_IncrementsCounter は破棄イベントカウンタが増加することを検証する。
func TestRecordEventDropped_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEventBroadcast("vehicle.checked_in")
	c.RecordEventDropped()
	c.RecordEventDropped()

	mf := findMetricFamily(t, reg, "yardops_events_dropped_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("events_dropped_total = %v, want 2", val)
	}
	bc := findMetricFamily(t, reg, "yardops_events_broadcast_total")
	if got := labeledCounter(bc, "vehicle.checked_in"); got != 1 {
		t.Errorf("events_broadcast_total{kind=vehicle.checked_in} = %v, want 1", got)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(401)

	mf := findMetricFamily(t, reg, "yardops_http_responses_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	if got := labeledCounter(mf, "200"); got != 2 {
		t.Errorf("http_responses_total{status_code=200} = %v, want 2", got)
	}
	if got := labeledCounter(mf, "401"); got != 1 {
		t.Errorf("http_responses_total{status_code=401} = %v, want 1", got)
	}
}

// TestNop_DoesNotPanic はNopがすべての呼び出しを受け付けることを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	var m MetricsCollector = Nop{}
	m.RecordLoginAttempt(LoginSuccess)
	m.RecordLockout()
	m.RecordTokenRefresh(RefreshSuccess)
	m.RecordLedgerSwept(1)
	m.SetLiveConnections(1)
	m.RecordEventBroadcast("x")
	m.RecordEventDropped()
	m.RecordAuditWriteFailure()
	m.RecordHTTPStatus(200)
}
