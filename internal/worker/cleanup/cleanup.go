// Package cleanup は期限切れリフレッシュトークンの定期削除ジョブを提供する。
// 台帳から期限を過ぎた行を削除する。期限ちょうどの行は残し、次回以降の実行で削除する。
// リクエストのコンテキストとは独立した自身のタイマーで動作する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/yardops/internal/metrics"
)

// DefaultInterval は掃除ジョブの既定の実行間隔。
const DefaultInterval = time.Hour

// LedgerSweeper は期限切れのリフレッシュトークンを削除するインターフェース。
// auth.Ledgerが満たす。
type LedgerSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// CleanupJob は期限切れリフレッシュトークンの削除ジョブ。
// 冪等な削除処理で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	ledger  LedgerSweeper
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(ledger LedgerSweeper, m metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		ledger:  ledger,
		metrics: m,
		logger:  logger,
	}
}

// Run は期限切れのリフレッシュトークンを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.ledger.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("リフレッシュトークンの掃除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("リフレッシュトークンの掃除に失敗: %w", err)
	}

	j.metrics.RecordLedgerSwept(deletedCount)

	duration := time.Since(start)
	j.logger.Info("リフレッシュトークンの掃除が完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔のティッカーで掃除ジョブを起動する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
// 個々の実行の失敗はログに残すだけで、ループは止めない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("リフレッシュトークン掃除ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("リフレッシュトークン掃除ジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
